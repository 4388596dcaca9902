package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"llamaste/internal/models"
)

// SessionLog is the slice of the session store the chat client mutates. Every method is
// keyed by an explicit session id so a stream can never write into a session other than
// the one it was started against.
type SessionLog interface {
	Append(sessionID string, msg models.Message) (int, error)
	ReplaceAt(sessionID string, index int, fn func(*models.Message)) error
}

// Deauthorizer performs the forced sign-out after the backend denies a chat request.
// The Authenticator implements it.
type Deauthorizer interface {
	Logout(ctx context.Context) error
}

// Notice is a transient user-facing signal emitted by the chat client, shown by the UI
// as a banner.
type Notice struct {
	SessionID string
	Text      string
}

const (
	defaultLogoutGrace = 5 * time.Second

	sessionExpiredNote = "Session expired! You will be redirected to the login page."
	transportErrorNote = "Error fetching response, please try again later."
)

type chatRequest struct {
	Query string `json:"query"`
}

// ChatClient issues chat requests bound to a specific session and folds the streamed
// response into that session's message log. Sends are fire-and-forget; every outcome
// lands in the session store as a complete or errored assistant message.
type ChatClient struct {
	baseURL string
	client  *http.Client
	store   SessionLog
	auth    Deauthorizer
	grace   time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	subs []func(Notice)

	// logoutScheduled collapses concurrent denials into one delayed forced sign-out.
	// It is cleared when the scheduled sign-out runs, so a denial in a later
	// authenticated period schedules its own sign-out.
	logoutScheduled bool
}

// ChatConfig configures a ChatClient.
type ChatConfig struct {
	// BaseURL is the backend root.
	BaseURL string
	// Client performs the requests and is expected to carry an AuthTransport.
	Client *http.Client
	// Store receives every message mutation.
	Store SessionLog
	// Auth is signed out after the grace period when the backend denies a request.
	Auth Deauthorizer
	// Grace is the delay between a denied response and the forced sign-out, giving the
	// UI time to show the notice. Defaults to five seconds.
	Grace  time.Duration
	Logger *slog.Logger
}

// NewChatClient creates a chat client.
func NewChatClient(cfg ChatConfig) *ChatClient {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultLogoutGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatClient{
		baseURL: cfg.BaseURL,
		client:  cfg.Client,
		store:   cfg.Store,
		auth:    cfg.Auth,
		grace:   cfg.Grace,
		logger:  cfg.Logger.With(slog.String("module", "chat")),
	}
}

// Subscribe registers fn to receive transient notices.
func (c *ChatClient) Subscribe(fn func(Notice)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *ChatClient) publish(n Notice) {
	c.mu.Lock()
	subs := slices.Clone(c.subs)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

// Send records the user's message in the named session and starts streaming the
// assistant's response into it. The session id is captured here, once, and threaded
// through every downstream mutation; switching the active session mid-stream cannot
// redirect the output. An attachment label, when present, is folded into the outgoing
// text.
func (c *ChatClient) Send(_ context.Context, sessionID, text, attachment string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message is empty")
	}

	query := text
	if attachment != "" {
		query = fmt.Sprintf("Message: %s\nFile: %s", text, attachment)
	}

	if _, err := c.store.Append(sessionID, models.Message{
		Role:      models.RoleUser,
		Content:   query,
		Status:    models.StatusComplete,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to add user message: %w", err)
	}

	placeholder, err := c.store.Append(sessionID, models.Message{
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to add placeholder: %w", err)
	}

	// The response outlives the HTTP exchange that triggered the send, so the stream
	// runs on its own context, like any background consumer.
	go c.stream(context.Background(), sessionID, placeholder, query)
	return nil
}

func (c *ChatClient) stream(ctx context.Context, sessionID string, placeholder int, query string) {
	body, err := json.Marshal(chatRequest{Query: query})
	if err != nil {
		c.fail(sessionID, placeholder, transportErrorNote)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		c.fail(sessionID, placeholder, transportErrorNote)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Chat request failed", slog.String(errLoggerKey, err.Error()))
		c.fail(sessionID, placeholder, transportErrorNote)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		c.denied(sessionID, placeholder)
		return
	case resp.StatusCode != http.StatusOK:
		c.logger.Error("Chat request rejected", slog.Int("status", resp.StatusCode))
		c.fail(sessionID, placeholder, transportErrorNote)
		return
	}

	// The placeholder transitions to streaming in place. Its index stays valid no
	// matter how many other sends append to the same session while this stream runs;
	// removing and re-appending here would shift every later index and let concurrent
	// streams write over each other's messages.
	index := placeholder
	if err := c.store.ReplaceAt(sessionID, index, func(m *models.Message) {
		m.Status = models.StatusStreaming
	}); err != nil {
		c.dropStream(sessionID, err)
		return
	}

	// Chunks are applied strictly in arrival order: the loop does not request the next
	// event until the current one has been folded into the session. The accumulator is
	// private to this stream, so concurrent streams in other sessions cannot interleave
	// into it.
	var acc strings.Builder
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			c.logger.Error("Error reading response", slog.String(errLoggerKey, err.Error()))
			c.failAt(sessionID, index, acc.String())
			return
		}
		if ev.Data == "" {
			continue
		}
		acc.WriteString(ev.Data)
		if err := c.store.ReplaceAt(sessionID, index, func(m *models.Message) {
			m.Content = acc.String()
		}); err != nil {
			c.dropStream(sessionID, err)
			return
		}
	}

	if err := c.store.ReplaceAt(sessionID, index, func(m *models.Message) {
		m.Status = models.StatusComplete
	}); err != nil {
		c.dropStream(sessionID, err)
	}
}

// denied handles the backend's authorization-lost status: the user gets a notice and an
// errored entry immediately, and after the grace interval the whole client signs out.
// Denials arriving while a sign-out is already scheduled join it instead of scheduling
// another.
func (c *ChatClient) denied(sessionID string, placeholder int) {
	c.fail(sessionID, placeholder, sessionExpiredNote)
	c.publish(Notice{SessionID: sessionID, Text: sessionExpiredNote})

	c.mu.Lock()
	scheduled := c.logoutScheduled
	c.logoutScheduled = true
	c.mu.Unlock()
	if scheduled {
		return
	}

	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		c.logoutScheduled = false
		c.mu.Unlock()
		if err := c.auth.Logout(context.Background()); err != nil {
			c.logger.Error("Forced logout failed", slog.String(errLoggerKey, err.Error()))
		}
	})
}

// fail replaces the pending placeholder with an errored assistant message carrying a
// user-facing note.
func (c *ChatClient) fail(sessionID string, placeholder int, note string) {
	err := c.store.ReplaceAt(sessionID, placeholder, func(m *models.Message) {
		m.Status = models.StatusErrored
		m.Content = note
	})
	if err != nil {
		c.dropStream(sessionID, err)
	}
}

// failAt marks a streaming message as errored mid-stream, keeping whatever content had
// already arrived.
func (c *ChatClient) failAt(sessionID string, index int, partial string) {
	content := transportErrorNote
	if partial != "" {
		content = partial + "\n\n" + transportErrorNote
	}
	err := c.store.ReplaceAt(sessionID, index, func(m *models.Message) {
		m.Status = models.StatusErrored
		m.Content = content
	})
	if err != nil {
		c.dropStream(sessionID, err)
	}
}

// dropStream absorbs mutation failures caused by the target session disappearing
// mid-stream. The output belonged to a session that no longer exists, so the stream
// simply stops; anything else is a programming error worth logging loudly.
func (c *ChatClient) dropStream(sessionID string, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		c.logger.Debug("Session gone, dropping stream", slog.String("sessionID", sessionID))
		return
	}
	c.logger.Error("Session mutation failed", slog.String("sessionID", sessionID),
		slog.String(errLoggerKey, err.Error()))
}
