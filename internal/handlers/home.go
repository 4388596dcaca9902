package handlers

import (
	"log/slog"
	"net/http"

	"llamaste/internal/services"
)

type homePageData struct {
	DisplayName string
	Sessions    []sessionView
	Chatbox     chatboxData
}

// HandleHome renders the main chat page: the sidebar of sessions and the active
// session's message log.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

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

	data := homePageData{
		DisplayName: m.auth.DisplayName(),
		Sessions:    views,
	}

	active, messages, ok := m.store.Active()
	if ok {
		data.Chatbox = chatboxData{
			SessionID: active.ID,
			Title:     active.Title,
			Messages:  m.messageViews(messages),
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
