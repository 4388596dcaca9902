package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"llamaste/internal/services"
)

type authPageData struct {
	Error string
}

// RequireAuth guards the authenticated area: requests arriving without a stored
// credential are redirected to the sign-in page.
func (m Main) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.auth.Authenticated() {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// HandleLogin renders the sign-in page on GET and performs the sign-in on POST.
// Rejected credentials re-render the page with an inline error instead of failing the
// request; they are never retried automatically.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if m.auth.Authenticated() {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		m.renderAuthPage(w, "login.html", "")
	case http.MethodPost:
		err := m.auth.Login(r.Context(), r.FormValue("email"), r.FormValue("password"))
		if err != nil {
			m.logger.Error("Login failed", slog.String(errLoggerKey, err.Error()))
			if errors.Is(err, services.ErrInvalidCredentials) {
				m.renderAuthPage(w, "login.html", "Invalid email or password.")
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleRegister renders the registration page on GET and creates the account on POST.
func (m Main) HandleRegister(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if m.auth.Authenticated() {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		m.renderAuthPage(w, "register.html", "")
	case http.MethodPost:
		err := m.auth.Register(r.Context(),
			r.FormValue("name"), r.FormValue("email"), r.FormValue("password"))
		if err != nil {
			m.logger.Error("Registration failed", slog.String(errLoggerKey, err.Error()))
			if errors.Is(err, services.ErrInvalidCredentials) {
				m.renderAuthPage(w, "register.html", "Registration was rejected, check the details and try again.")
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleLogout signs the user out and sends them to the sign-in page.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.auth.Logout(r.Context()); err != nil {
		m.logger.Error("Logout failed", slog.String(errLoggerKey, err.Error()))
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (m Main) renderAuthPage(w http.ResponseWriter, page, errMsg string) {
	if err := m.templates.ExecuteTemplate(w, page, authPageData{Error: errMsg}); err != nil {
		m.logger.Error("Failed to render auth page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
