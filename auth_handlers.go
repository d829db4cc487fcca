package main

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (a *App) loginPageHandler(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if _, err := a.currentSession(r); err == nil {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	p := a.newPage(r, nil, "Login")
	p.Form = map[string]string{"next": next}
	a.render(w, http.StatusOK, "login", p)
}

func (a *App) loginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.fail(w, r, errors.Wrap(ErrValidation, "invalid form"))
		return
	}

	userID := strings.TrimSpace(r.PostFormValue("user_id"))
	next := safeNext(r.PostFormValue("next"))

	sessionID, err := a.auth.Authenticate(r.Context(), userID, r.PostFormValue("password"))
	if errors.Is(err, ErrNotAuthenticated) {
		a.metrics.logins.WithLabelValues("failure").Inc()
		a.log.Warn("login failed", zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr))

		p := a.newPage(r, nil, "Login")
		p.Form = map[string]string{"user_id": userID, "next": next}
		p.Errors = map[string]string{"form": "The user ID or password is wrong"}
		a.render(w, http.StatusUnauthorized, "login", p)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	token, err := signSessionToken(a.sys.SecretKey, sessionID, a.clock.Now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	setSessionCookie(w, token, a.config.SecureCookie)

	a.metrics.logins.WithLabelValues("success").Inc()
	a.log.Info("login", zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr))
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// logoutHandler also works for sessions that already expired.
func (a *App) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if value, ok := readSessionCookie(r); ok {
		if sessionID, err := parseSessionToken(a.sys.SecretKey, value); err == nil {
			if err := a.auth.Logout(r.Context(), sessionID); err != nil {
				a.log.Error("failed to delete session", zap.Error(err))
			}
		}
	}
	clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *App) profileHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	p := a.newPage(r, rc, "Profile")
	p.Form = map[string]string{"display_name": rc.Session.Account.DisplayName}
	status := http.StatusOK

	if r.Method == http.MethodPost {
		err := a.updateProfile(r, rc)
		if err == nil {
			a.redirectWithFlash(w, r, rc, "/profile", "Your profile was updated")
			return
		}
		if status = formStatus(err); status == 0 {
			a.fail(w, r, err)
			return
		}
		p.Errors = formErrors(err)
		p.Form["display_name"] = r.PostFormValue("display_name")
	}

	if err := a.issueToken(r, rc, "profile", &p); err != nil {
		a.fail(w, r, err)
		return
	}
	a.render(w, status, "profile", p)
}

func (a *App) updateProfile(r *http.Request, rc *requestContext) error {
	if err := r.ParseForm(); err != nil {
		return errors.Wrap(ErrValidation, "invalid form")
	}
	if err := a.checkToken(r, rc, "profile"); err != nil {
		return err
	}

	userID := rc.Session.Account.UserID
	displayName := r.PostFormValue("display_name")
	if err := validateDisplayName(displayName); err != nil {
		return err
	}

	if next := r.PostFormValue("new_password"); next != "" {
		if next != r.PostFormValue("confirm_password") {
			return invalidField("confirm_password", "the passwords do not match")
		}
		if err := a.accounts.ChangePassword(r.Context(), userID, r.PostFormValue("current_password"), next); err != nil {
			return err
		}
		a.log.Info("password changed", zap.String("user_id", userID))
	}

	return a.accounts.UpdateProfile(r.Context(), userID, displayName)
}
