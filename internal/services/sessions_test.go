package services_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"llamaste/internal/models"
	"llamaste/internal/services"
)

func TestSessionStoreSeedsDefault(t *testing.T) {
	store := services.NewSessionStore()

	sessions, activeID := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() len = %d, want 1", len(sessions))
	}
	if sessions[0].ID != services.DefaultSessionID {
		t.Errorf("seed session id = %q, want %q", sessions[0].ID, services.DefaultSessionID)
	}
	if activeID != services.DefaultSessionID {
		t.Errorf("active id = %q, want %q", activeID, services.DefaultSessionID)
	}
}

func TestCreateSessionBecomesActive(t *testing.T) {
	store := services.NewSessionStore()

	id := store.CreateSession("Research")
	if id == "" {
		t.Fatal("CreateSession() returned empty id")
	}

	sessions, activeID := store.Sessions()
	if activeID != id {
		t.Errorf("active id = %q, want %q", activeID, id)
	}
	if sessions[len(sessions)-1].Title != "Research" {
		t.Errorf("title = %q, want %q", sessions[len(sessions)-1].Title, "Research")
	}
}

func TestSetActive(t *testing.T) {
	store := services.NewSessionStore()
	id := store.CreateSession("Second")

	if err := store.SetActive(services.DefaultSessionID); err != nil {
		t.Fatalf("SetActive(default) error = %v", err)
	}
	if _, activeID := store.Sessions(); activeID != services.DefaultSessionID {
		t.Errorf("active id = %q, want %q", activeID, services.DefaultSessionID)
	}

	if err := store.SetActive("nope"); !errors.Is(err, services.ErrSessionNotFound) {
		t.Errorf("SetActive(unknown) error = %v, want ErrSessionNotFound", err)
	}
	// A failed activation must not disturb the current active session.
	if _, activeID := store.Sessions(); activeID != services.DefaultSessionID {
		t.Errorf("active id after failed SetActive = %q, want %q", activeID, services.DefaultSessionID)
	}

	_ = id
}

func TestDeleteSession(t *testing.T) {
	t.Run("active session falls back to first in insertion order", func(t *testing.T) {
		store := services.NewSessionStore()
		a := store.CreateSession("A")
		b := store.CreateSession("B")

		store.DeleteSession(b)

		sessions, activeID := store.Sessions()
		if activeID != services.DefaultSessionID {
			t.Errorf("active id = %q, want %q", activeID, services.DefaultSessionID)
		}
		if len(sessions) != 2 {
			t.Errorf("len(sessions) = %d, want 2", len(sessions))
		}
		_ = a
	})

	t.Run("inactive session deletion keeps active", func(t *testing.T) {
		store := services.NewSessionStore()
		a := store.CreateSession("A")
		b := store.CreateSession("B")

		store.DeleteSession(a)

		if _, activeID := store.Sessions(); activeID != b {
			t.Errorf("active id = %q, want %q", activeID, b)
		}
	})

	t.Run("default session is never deletable", func(t *testing.T) {
		store := services.NewSessionStore()
		store.DeleteSession(services.DefaultSessionID)

		sessions, activeID := store.Sessions()
		if len(sessions) != 1 || activeID != services.DefaultSessionID {
			t.Errorf("default session was removed: sessions = %v, active = %q", sessions, activeID)
		}
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		store := services.NewSessionStore()
		store.DeleteSession("nope")

		if sessions, _ := store.Sessions(); len(sessions) != 1 {
			t.Errorf("len(sessions) = %d, want 1", len(sessions))
		}
	})
}

func TestExactlyOneActiveInvariant(t *testing.T) {
	store := services.NewSessionStore()

	ids := []string{services.DefaultSessionID}
	for i := 0; i < 5; i++ {
		ids = append(ids, store.CreateSession(fmt.Sprintf("S%d", i)))
	}
	_ = store.SetActive(ids[2])
	store.DeleteSession(ids[2])
	store.DeleteSession(ids[4])
	_ = store.SetActive(ids[1])
	store.DeleteSession(ids[1])

	sessions, activeID := store.Sessions()
	if len(sessions) == 0 {
		t.Fatal("all sessions gone, default should survive")
	}
	found := false
	for _, s := range sessions {
		if s.ID == activeID {
			found = true
		}
	}
	if !found {
		t.Errorf("active id %q does not name an existing session", activeID)
	}
}

func TestAppendAndReplaceAt(t *testing.T) {
	store := services.NewSessionStore()

	idx, err := store.Append(services.DefaultSessionID, models.Message{
		Role: models.RoleUser, Content: "Hello", Status: models.StatusComplete,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if idx != 0 {
		t.Errorf("Append() index = %d, want 0", idx)
	}

	idx2, err := store.Append(services.DefaultSessionID, models.Message{
		Role: models.RoleAssistant, Status: models.StatusStreaming,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if idx2 != 1 {
		t.Errorf("Append() index = %d, want 1", idx2)
	}

	err = store.ReplaceAt(services.DefaultSessionID, idx2, func(m *models.Message) {
		m.Content = "Hi there"
		m.Status = models.StatusComplete
	})
	if err != nil {
		t.Fatalf("ReplaceAt() error = %v", err)
	}

	messages, err := store.Messages(services.DefaultSessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if messages[1].Content != "Hi there" || messages[1].Status != models.StatusComplete {
		t.Errorf("message = %+v, want content %q complete", messages[1], "Hi there")
	}

	if err := store.ReplaceAt(services.DefaultSessionID, 5, func(*models.Message) {}); !errors.Is(err, services.ErrIndexOutOfRange) {
		t.Errorf("ReplaceAt(out of range) error = %v, want ErrIndexOutOfRange", err)
	}
	if err := store.ReplaceAt("nope", 0, func(*models.Message) {}); !errors.Is(err, services.ErrSessionNotFound) {
		t.Errorf("ReplaceAt(unknown session) error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.Append("nope", models.Message{}); !errors.Is(err, services.ErrSessionNotFound) {
		t.Errorf("Append(unknown session) error = %v, want ErrSessionNotFound", err)
	}
}

// Two concurrent streams targeting different sessions must each end with exactly their
// own chunks, in order, regardless of interleaving.
func TestConcurrentStreamsStayIsolated(t *testing.T) {
	store := services.NewSessionStore()
	a := store.CreateSession("A")
	b := store.CreateSession("B")

	stream := func(sessionID, prefix string) {
		idx, err := store.Append(sessionID, models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
		if err != nil {
			t.Errorf("Append(%s) error = %v", sessionID, err)
			return
		}
		var acc string
		for i := 0; i < 50; i++ {
			acc += fmt.Sprintf("%s%d;", prefix, i)
			content := acc
			if err := store.ReplaceAt(sessionID, idx, func(m *models.Message) {
				m.Content = content
			}); err != nil {
				t.Errorf("ReplaceAt(%s) error = %v", sessionID, err)
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stream(a, "a") }()
	go func() { defer wg.Done(); stream(b, "b") }()
	wg.Wait()

	var wantA, wantB string
	for i := 0; i < 50; i++ {
		wantA += fmt.Sprintf("a%d;", i)
		wantB += fmt.Sprintf("b%d;", i)
	}

	messagesA, _ := store.Messages(a)
	messagesB, _ := store.Messages(b)
	if messagesA[0].Content != wantA {
		t.Errorf("session A content = %q, want %q", messagesA[0].Content, wantA)
	}
	if messagesB[0].Content != wantB {
		t.Errorf("session B content = %q, want %q", messagesB[0].Content, wantB)
	}
}

func TestSubscribeNotifiesOnMutation(t *testing.T) {
	store := services.NewSessionStore()

	var mu sync.Mutex
	var seen []string
	store.Subscribe(func(sessionID string) {
		mu.Lock()
		seen = append(seen, sessionID)
		mu.Unlock()
	})

	id := store.CreateSession("A")
	_, _ = store.Append(id, models.Message{Role: models.RoleUser, Content: "Hello"})
	store.DeleteSession(id)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("notifications = %d, want 3", len(seen))
	}
	for _, got := range seen {
		if got != id {
			t.Errorf("notification for %q, want %q", got, id)
		}
	}
}
