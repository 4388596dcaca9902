package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llamaste/internal/services"
)

type authBackend struct {
	mu           sync.Mutex
	refreshCalls int32
	logoutCalls  int32

	loginStatus    int
	loginToken     string
	loginExpiresMS int64
	loginName      string

	refreshStatus    int
	refreshToken     string
	refreshExpiresMS int64
	// refreshGate, when set, blocks every refresh until it is closed.
	refreshGate chan struct{}
}

func (b *authBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.loginStatus != http.StatusOK {
			w.WriteHeader(b.loginStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":    b.loginToken,
			"expirationTime": b.loginExpiresMS,
			"name":           b.loginName,
		})
	})
	mux.HandleFunc("/api/auth/refresh-token", func(w http.ResponseWriter, _ *http.Request) {
		if b.refreshGate != nil {
			<-b.refreshGate
		}
		atomic.AddInt32(&b.refreshCalls, 1)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.refreshStatus != http.StatusOK {
			w.WriteHeader(b.refreshStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":    b.refreshToken,
			"expirationTime": b.refreshExpiresMS,
		})
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&b.logoutCalls, 1)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoginStoresCredential(t *testing.T) {
	backend := &authBackend{
		loginStatus:    http.StatusOK,
		loginToken:     "tok-1",
		loginExpiresMS: 3_600_000,
		loginName:      "Alice",
	}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL})
	defer auth.Close()

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !auth.Authenticated() {
		t.Error("Authenticated() = false after login")
	}
	if got := auth.Token(); got != "tok-1" {
		t.Errorf("Token() = %q, want %q", got, "tok-1")
	}
	if got := auth.DisplayName(); got != "Alice" {
		t.Errorf("DisplayName() = %q, want %q", got, "Alice")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	backend := &authBackend{loginStatus: http.StatusUnauthorized}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL})
	defer auth.Close()

	err := auth.Login(context.Background(), "a@b.com", "wrong")
	if !errors.Is(err, services.ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if auth.Authenticated() {
		t.Error("Authenticated() = true after rejected login")
	}
}

// Concurrent EnsureFresh calls on a stale token must share one renewal: one network
// call, the same token for every caller.
func TestEnsureFreshSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	backend := &authBackend{
		loginStatus:      http.StatusOK,
		loginToken:       "tok-1",
		loginExpiresMS:   0, // already expired, every freshness check wants a renewal
		refreshStatus:    http.StatusOK,
		refreshToken:     "tok-2",
		refreshExpiresMS: 3_600_000,
		refreshGate:      gate,
	}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL, Skew: 50 * time.Millisecond})
	defer auth.Close()

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = auth.EnsureFresh(context.Background())
		}(i)
	}

	// Give every caller time to join the in-flight renewal, then let it settle.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("EnsureFresh() caller %d error = %v", i, errs[i])
		}
		if tokens[i] != "tok-2" {
			t.Errorf("EnsureFresh() caller %d token = %q, want %q", i, tokens[i], "tok-2")
		}
	}
	if calls := atomic.LoadInt32(&backend.refreshCalls); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestEnsureFreshSkipsRenewalWhenFresh(t *testing.T) {
	backend := &authBackend{
		loginStatus:    http.StatusOK,
		loginToken:     "tok-1",
		loginExpiresMS: 3_600_000,
		refreshStatus:  http.StatusOK,
		refreshToken:   "tok-2",
	}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL})
	defer auth.Close()

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	token, err := auth.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if token != "tok-1" {
		t.Errorf("EnsureFresh() = %q, want the still-fresh %q", token, "tok-1")
	}
	if calls := atomic.LoadInt32(&backend.refreshCalls); calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
}

func TestProactiveRenewal(t *testing.T) {
	backend := &authBackend{
		loginStatus:      http.StatusOK,
		loginToken:       "tok-1",
		loginExpiresMS:   120,
		refreshStatus:    http.StatusOK,
		refreshToken:     "tok-2",
		refreshExpiresMS: 3_600_000,
	}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL, Skew: 60 * time.Millisecond})
	defer auth.Close()

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	waitFor(t, "scheduled renewal", func() bool { return auth.Token() == "tok-2" })
	if calls := atomic.LoadInt32(&backend.refreshCalls); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if !auth.Authenticated() {
		t.Error("Authenticated() = false after scheduled renewal")
	}
}

func TestRenewalFailureForcesLogout(t *testing.T) {
	backend := &authBackend{
		loginStatus:    http.StatusOK,
		loginToken:     "tok-1",
		loginExpiresMS: 3_600_000,
		refreshStatus:  http.StatusUnauthorized,
	}
	srv := backend.server(t)

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL})
	defer auth.Close()

	var mu sync.Mutex
	var reasons []services.LogoutReason
	auth.Subscribe(func(reason services.LogoutReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	_, err := auth.ForceRenew(context.Background())
	if !errors.Is(err, services.ErrRenewalFailed) {
		t.Fatalf("ForceRenew() error = %v, want ErrRenewalFailed", err)
	}
	if auth.Authenticated() {
		t.Error("Authenticated() = true after failed renewal")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != services.LogoutRenewalFailed {
		t.Errorf("logout notifications = %v, want [renewal_failed]", reasons)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	backend := &authBackend{
		loginStatus:    http.StatusOK,
		loginToken:     "tok-1",
		loginExpiresMS: 3_600_000,
		loginName:      "Alice",
	}
	srv := backend.server(t)

	kv, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: srv.URL, Keyring: kv})
	defer auth.Close()

	var notified int
	auth.Subscribe(func(services.LogoutReason) { notified++ })

	if err := auth.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token, _ := kv.Token(); token != "tok-1" {
		t.Errorf("persisted token = %q, want %q", token, "tok-1")
	}

	if err := auth.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if auth.Authenticated() {
		t.Error("Authenticated() = true after logout")
	}
	// Subscribers run synchronously inside Logout.
	if notified != 1 {
		t.Errorf("logout notifications = %d, want 1", notified)
	}
	if token, _ := kv.Token(); token != "" {
		t.Errorf("persisted token after logout = %q, want empty", token)
	}
	if calls := atomic.LoadInt32(&backend.logoutCalls); calls != 1 {
		t.Errorf("server logout calls = %d, want 1", calls)
	}

	// A second logout is a no-op.
	if err := auth.Logout(context.Background()); err != nil {
		t.Fatalf("second Logout() error = %v", err)
	}
	if notified != 1 {
		t.Errorf("logout notifications after second logout = %d, want 1", notified)
	}
}

func TestTokenStoreRestoresFromKeyring(t *testing.T) {
	dir := t.TempDir()
	kv, err := services.NewBoltDB(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	if err := kv.SaveToken("tok-restored"); err != nil {
		t.Fatal(err)
	}
	if err := kv.SaveDisplayName("Alice"); err != nil {
		t.Fatal(err)
	}

	auth := services.NewAuthenticator(services.AuthConfig{BaseURL: "http://unused", Keyring: kv})
	defer auth.Close()

	if !auth.Authenticated() {
		t.Error("Authenticated() = false, want restored session")
	}
	if got := auth.Token(); got != "tok-restored" {
		t.Errorf("Token() = %q, want %q", got, "tok-restored")
	}
	if got := auth.DisplayName(); got != "Alice" {
		t.Errorf("DisplayName() = %q, want %q", got, "Alice")
	}
}
