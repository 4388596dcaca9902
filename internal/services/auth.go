package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"llamaste/internal/models"
)

// ErrInvalidCredentials is returned when the auth endpoint rejects a login or
// registration attempt. It is shown to the user and never retried.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrRenewalFailed is returned when the refresh endpoint rejects or is unreachable.
// Every renewal failure also ends in a forced sign-out, so callers seeing this error
// can assume the client is already unauthenticated.
var ErrRenewalFailed = errors.New("token renewal failed")

// Keyring is the persistent client-side key-value store holding the access token and
// display name across restarts. BoltDB implements it.
type Keyring interface {
	SaveToken(token string) error
	SaveDisplayName(name string) error
	Token() (string, error)
	DisplayName() (string, error)
	Clear() error
}

// LogoutReason tells subscribers why the client became unauthenticated.
type LogoutReason string

const (
	// LogoutUser marks a sign-out initiated by a user action, including the delayed
	// sign-out after the backend denied a chat request.
	LogoutUser LogoutReason = "user"
	// LogoutRenewalFailed marks the forced sign-out after a failed token renewal.
	LogoutRenewalFailed LogoutReason = "renewal_failed"
)

// TokenStore holds the current credential and the signed-in display name, backed by an
// optional Keyring for persistence. It is exclusively owned by the Authenticator; other
// components read tokens through the Authenticator's accessors.
type TokenStore struct {
	mu   sync.RWMutex
	cred *models.Credential
	name string

	kv     Keyring
	logger *slog.Logger
}

// NewTokenStore creates a token store, restoring a previously persisted token and
// display name when a keyring is supplied. A restored token carries no expiry, so the
// first freshness check after a restart forces a renewal.
func NewTokenStore(kv Keyring, logger *slog.Logger) *TokenStore {
	s := &TokenStore{kv: kv, logger: logger}
	if kv == nil {
		return s
	}

	token, err := kv.Token()
	if err != nil {
		logger.Warn("Failed to restore access token", slog.String(errLoggerKey, err.Error()))
		return s
	}
	name, err := kv.DisplayName()
	if err != nil {
		logger.Warn("Failed to restore display name", slog.String(errLoggerKey, err.Error()))
	}
	if token != "" {
		s.cred = &models.Credential{AccessToken: token}
	}
	s.name = name
	return s
}

// Current returns the current credential, if any.
func (s *TokenStore) Current() (models.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return models.Credential{}, false
	}
	return *s.cred, true
}

// DisplayName returns the signed-in user's display name, or the empty string.
func (s *TokenStore) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Set replaces the current credential and persists it. An empty name keeps the stored
// display name.
func (s *TokenStore) Set(cred models.Credential, name string) {
	s.mu.Lock()
	s.cred = &cred
	if name != "" {
		s.name = name
	}
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	if err := s.kv.SaveToken(cred.AccessToken); err != nil {
		s.logger.Warn("Failed to persist access token", slog.String(errLoggerKey, err.Error()))
	}
	if name != "" {
		if err := s.kv.SaveDisplayName(name); err != nil {
			s.logger.Warn("Failed to persist display name", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// Clear drops the credential from memory and from the keyring.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	s.cred = nil
	s.name = ""
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	if err := s.kv.Clear(); err != nil {
		s.logger.Warn("Failed to clear keyring", slog.String(errLoggerKey, err.Error()))
	}
}

const (
	defaultRenewalSkew = time.Minute
	renewFlightKey     = "renew"
)

// AuthConfig configures an Authenticator.
type AuthConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string
	// Keyring persists the token across restarts; may be nil.
	Keyring Keyring
	// Skew is the safety margin before expiry at which proactive renewal runs.
	// Defaults to one minute.
	Skew time.Duration
	// Client is the HTTP client for auth endpoints. Defaults to a client with a cookie
	// jar; the jar is required because the refresh credential rides an HTTP-only cookie
	// scoped to the refresh endpoint.
	Client *http.Client
	Logger *slog.Logger
}

// Authenticator owns the token lifecycle: login, proactive renewal ahead of expiry,
// single-flight reactive renewal, and forced sign-out when renewal is impossible. It is
// the only writer of its TokenStore.
type Authenticator struct {
	baseURL string
	client  *http.Client
	skew    time.Duration
	store   *TokenStore
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	timer *time.Timer
	subs  []func(LogoutReason)
}

// NewAuthenticator creates an authenticator for the backend at cfg.BaseURL.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.Skew <= 0 {
		cfg.Skew = defaultRenewalSkew
	}
	if cfg.Client == nil {
		jar, _ := cookiejar.New(nil)
		cfg.Client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("module", "auth"))

	return &Authenticator{
		baseURL: cfg.BaseURL,
		client:  cfg.Client,
		skew:    cfg.Skew,
		store:   NewTokenStore(cfg.Keyring, logger),
		logger:  logger,
	}
}

type credentialsRequest struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	// ExpirationTime is the number of milliseconds from now until the credential
	// expires, as reported by the backend.
	ExpirationTime int64  `json:"expirationTime"`
	Name           string `json:"name,omitempty"`
}

func (r tokenResponse) credential(now time.Time) models.Credential {
	return models.Credential{
		AccessToken: r.AccessToken,
		ExpiresAt:   now.Add(time.Duration(r.ExpirationTime) * time.Millisecond),
	}
}

// Subscribe registers fn to be called synchronously whenever the client transitions to
// unauthenticated, whether by user action or failed renewal.
func (a *Authenticator) Subscribe(fn func(LogoutReason)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// Authenticated reports whether a credential is currently held.
func (a *Authenticator) Authenticated() bool {
	_, ok := a.store.Current()
	return ok
}

// DisplayName returns the signed-in user's display name, or the empty string.
func (a *Authenticator) DisplayName() string {
	return a.store.DisplayName()
}

// Token returns the current access token without any freshness side effects. Callers
// that need a guaranteed-fresh token go through EnsureFresh.
func (a *Authenticator) Token() string {
	cred, ok := a.store.Current()
	if !ok {
		return ""
	}
	return cred.AccessToken
}

// Login exchanges credentials for a new token, stores it, and arms the proactive
// renewal timer. A rejection surfaces as ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) error {
	return a.obtain(ctx, "/api/auth/login", credentialsRequest{Email: email, Password: password})
}

// Register creates a new account; on success the backend signs the user in, so the
// token handling is identical to Login.
func (a *Authenticator) Register(ctx context.Context, name, email, password string) error {
	return a.obtain(ctx, "/api/auth/register", credentialsRequest{Name: name, Email: email, Password: password})
}

func (a *Authenticator) obtain(ctx context.Context, path string, creds credentialsRequest) error {
	body, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized:
		return fmt.Errorf("%w: server rejected %s", ErrInvalidCredentials, path)
	default:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	var res tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}

	cred := res.credential(time.Now())
	a.store.Set(cred, res.Name)
	a.armTimer(cred.ExpiresAt)

	a.logger.Info("Signed in", slog.Time("expiresAt", cred.ExpiresAt))
	return nil
}

// EnsureFresh returns a token guaranteed to be outside the expiry skew window, renewing
// it first when necessary. Concurrent callers during a renewal share one underlying
// attempt and receive the same outcome.
func (a *Authenticator) EnsureFresh(ctx context.Context) (string, error) {
	cred, ok := a.store.Current()
	if ok && cred.TimeToExpiry(time.Now()) > a.skew {
		return cred.AccessToken, nil
	}
	return a.renew(ctx)
}

// ForceRenew renews the token unconditionally. It is the reactive path used after the
// backend reported the current token invalid, and obeys the same single-flight rule as
// EnsureFresh.
func (a *Authenticator) ForceRenew(ctx context.Context) (string, error) {
	return a.renew(ctx)
}

// Logout clears the credential, stops the proactive timer, and notifies subscribers
// synchronously before returning. The server-side sign-out is best effort.
func (a *Authenticator) Logout(ctx context.Context) error {
	if !a.Authenticated() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/auth/logout", bytes.NewReader([]byte("{}")))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.Token())
		resp, doErr := a.client.Do(req)
		if doErr != nil {
			a.logger.Warn("Server logout failed", slog.String(errLoggerKey, doErr.Error()))
		} else {
			resp.Body.Close()
		}
	}

	a.expire(LogoutUser)
	return nil
}

// Close stops the proactive renewal timer without clearing the credential, for use on
// process shutdown.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// renew performs a single-flight token renewal. Callers arriving while a renewal is in
// flight await that same attempt. A failed renewal forces a sign-out before returning,
// so the client never sits in a silently stuck state.
func (a *Authenticator) renew(ctx context.Context) (string, error) {
	v, err, _ := a.group.Do(renewFlightKey, func() (any, error) {
		token, err := a.refreshOnce(ctx)
		if err != nil {
			a.logger.Error("Token renewal failed", slog.String(errLoggerKey, err.Error()))
			a.expire(LogoutRenewalFailed)
			return nil, err
		}
		return token, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}
	return v.(string), nil
}

func (a *Authenticator) refreshOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/auth/refresh-token", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var res tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	cred := res.credential(time.Now())
	a.store.Set(cred, res.Name)
	a.armTimer(cred.ExpiresAt)

	a.logger.Debug("Token renewed", slog.Time("expiresAt", cred.ExpiresAt))
	return cred.AccessToken, nil
}

// armTimer schedules the proactive renewal at expiresAt minus the skew, firing
// immediately when that moment has already passed.
func (a *Authenticator) armTimer(expiresAt time.Time) {
	d := time.Until(expiresAt) - a.skew
	if d < 0 {
		d = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() {
		if _, err := a.renew(context.Background()); err != nil {
			a.logger.Warn("Scheduled renewal failed", slog.String(errLoggerKey, err.Error()))
		}
	})
}

// expire drops the credential and tells subscribers, exactly once per authenticated
// period. Renewal failure is the only path that can do this without a user action.
func (a *Authenticator) expire(reason LogoutReason) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	subs := slices.Clone(a.subs)
	a.mu.Unlock()

	if _, ok := a.store.Current(); !ok {
		return
	}
	a.store.Clear()

	a.logger.Info("Signed out", slog.String("reason", string(reason)))
	for _, fn := range subs {
		fn(reason)
	}
}
