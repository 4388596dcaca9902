package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"

	"llamaste"
	"llamaste/internal/models"
	"llamaste/internal/services"
)

// Store is the session store surface the UI reads snapshots from and issues commands to.
type Store interface {
	CreateSession(title string) string
	SetActive(sessionID string) error
	DeleteSession(sessionID string)
	Active() (models.Session, []models.Message, bool)
	Sessions() ([]models.Session, string)
	Subscribe(fn func(sessionID string))
}

// Chat sends user messages; all results land in the Store.
type Chat interface {
	Send(ctx context.Context, sessionID, text, attachment string) error
	Subscribe(fn func(services.Notice))
}

// Auth is the token lifecycle surface the UI needs: sign-in/out commands, the
// authenticated predicate for the gate, and sign-out notifications for redirects.
type Auth interface {
	Login(ctx context.Context, email, password string) error
	Register(ctx context.Context, name, email, password string) error
	Logout(ctx context.Context) error
	Authenticated() bool
	DisplayName() string
	Subscribe(fn func(services.LogoutReason))
}

// Main handles the web UI: HTML templates, server-sent events pushing incremental
// re-renders, and the thin translation between HTTP forms and the services layer.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	store Store
	chat  Chat
	auth  Auth

	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	sessionsSSEType = sse.Type("sessions")
	noticeSSEType   = sse.Type("notice")
	logoutSSEType   = sse.Type("logout")
)

// SSE topics clients subscribe to.
const (
	messagesSSETopic = "messages"
	sessionsSSETopic = "sessions"
	authSSETopic     = "auth"
)

// NewMain creates a Main instance wired to the given services. It parses the embedded
// templates, configures the SSE server, and subscribes to store, chat, and auth events
// so every mutation reaches connected browsers without polling.
func NewMain(store Store, chat Chat, auth Auth, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		llamaste.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, messagesSSETopic, sessionsSSETopic, authSSETopic},
				}, true
			},
		},
		templates: tmpl,
		markdown: goldmark.New(goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		)),
		store:  store,
		chat:   chat,
		auth:   auth,
		logger: logger.With(slog.String("module", "handlers")),
	}

	store.Subscribe(m.onSessionChanged)
	chat.Subscribe(m.onNotice)
	auth.Subscribe(m.onLogout)

	return m, nil
}

// HandleSSE upgrades the connection for server-sent events.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// The SSE spec requires data even on a close event.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// onSessionChanged pushes a re-rendered sidebar, and a re-rendered chatbox when the
// change touched the active session, to every connected client.
func (m Main) onSessionChanged(sessionID string) {
	sidebar, err := m.renderSidebar()
	if err != nil {
		m.logger.Error("Failed to render sidebar", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(sidebar)
	if err := m.sseSrv.Publish(&msg, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}

	active, _, ok := m.store.Active()
	if !ok || active.ID != sessionID {
		return
	}
	chatbox, err := m.renderChatbox()
	if err != nil {
		m.logger.Error("Failed to render chatbox", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg = sse.Message{Type: messagesSSEType}
	msg.AppendData(chatbox)
	if err := m.sseSrv.Publish(&msg, messagesSSETopic); err != nil {
		m.logger.Error("Failed to publish messages", slog.String(errLoggerKey, err.Error()))
	}
}

// onNotice pushes a transient banner, e.g. the session-expired warning before the
// delayed sign-out.
func (m Main) onNotice(n services.Notice) {
	msg := sse.Message{Type: noticeSSEType}
	msg.AppendData(n.Text)
	if err := m.sseSrv.Publish(&msg, authSSETopic); err != nil {
		m.logger.Error("Failed to publish notice", slog.String(errLoggerKey, err.Error()))
	}
}

// onLogout tells connected clients to navigate to the sign-in page.
func (m Main) onLogout(reason services.LogoutReason) {
	msg := sse.Message{Type: logoutSSEType}
	msg.AppendData(string(reason))
	if err := m.sseSrv.Publish(&msg, authSSETopic); err != nil {
		m.logger.Error("Failed to publish logout", slog.String(errLoggerKey, err.Error()))
	}
}

// renderMarkdown converts assistant markdown into HTML. On conversion failure the raw
// text is escaped and shown as-is.
func (m Main) renderMarkdown(content string) template.HTML {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(content), &buf); err != nil {
		m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(content)) //nolint:gosec
	}
	return template.HTML(buf.String()) //nolint:gosec
}

func (m Main) renderSidebar() (string, error) {
	sessions, activeID := m.store.Sessions()
	views := make([]sessionView, len(sessions))
	for i, s := range sessions {
		views[i] = sessionView{
			ID:      s.ID,
			Title:   s.Title,
			Active:  s.ID == activeID,
			Default: s.ID == services.DefaultSessionID,
		}
	}

	var sb bytes.Buffer
	if err := m.templates.ExecuteTemplate(&sb, "sidebar", views); err != nil {
		return "", fmt.Errorf("failed to execute sidebar template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) renderChatbox() (string, error) {
	active, messages, ok := m.store.Active()
	if !ok {
		return "", nil
	}

	data := chatboxData{
		SessionID: active.ID,
		Title:     active.Title,
		Messages:  m.messageViews(messages),
	}
	var sb bytes.Buffer
	if err := m.templates.ExecuteTemplate(&sb, "chatbox", data); err != nil {
		return "", fmt.Errorf("failed to execute chatbox template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) messageViews(messages []models.Message) []messageView {
	views := make([]messageView, len(messages))
	for i, msg := range messages {
		content := m.renderMarkdown(msg.Content)
		if msg.Role == models.RoleUser {
			content = template.HTML(template.HTMLEscapeString(msg.Content)) //nolint:gosec
		}
		views[i] = messageView{
			Role:      string(msg.Role),
			Content:   content,
			Status:    string(msg.Status),
			Timestamp: msg.Timestamp,
		}
	}
	return views
}

type sessionView struct {
	ID      string
	Title   string
	Active  bool
	Default bool
}

type messageView struct {
	Role      string
	Content   template.HTML
	Status    string
	Timestamp time.Time
}

type chatboxData struct {
	SessionID string
	Title     string
	Messages  []messageView
}
