package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"llamaste/internal/services"
)

// HandleChats accepts a user message through form data and hands it to the chat client.
// The handler expects a "message" field, an optional "session_id" (defaulting to the
// active session), and an optional "attachment" label supplied by the file picker. The
// send itself is fire-and-forget: the appended messages and the streamed response reach
// the browser through SSE re-renders, so a successful post carries no body.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		active, _, ok := m.store.Active()
		if !ok {
			http.Error(w, "No session", http.StatusBadRequest)
			return
		}
		sessionID = active.ID
	}

	if err := m.chat.Send(r.Context(), sessionID, msg, r.FormValue("attachment")); err != nil {
		m.logger.Error("Failed to send message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		if errors.Is(err, services.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSessions manages the session list: "create", "activate", and "delete" actions
// issued by the sidebar.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action := r.FormValue("action"); action {
	case "create":
		id := m.store.CreateSession(r.FormValue("title"))
		m.logger.Info("Session created", slog.String("sessionID", id))
		w.WriteHeader(http.StatusNoContent)
	case "activate":
		if err := m.store.SetActive(r.FormValue("session_id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "delete":
		m.store.DeleteSession(r.FormValue("session_id"))
		w.WriteHeader(http.StatusNoContent)
	default:
		m.logger.Error("Unknown session action", slog.String("action", action))
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}
