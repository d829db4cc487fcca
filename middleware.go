package main

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// access lists what a route requires beyond a valid session.
type access struct {
	admin bool
	// directory requires permission on the {directoryID} route variable.
	directory bool
}

// requestContext carries what the guard resolved to the handler.
type requestContext struct {
	Session   *SessionInfo
	Directory *Directory
}

type guardedHandler func(w http.ResponseWriter, r *http.Request, rc *requestContext)

// guard resolves the session and checks the capabilities in req before
// calling next. Directories the user may not see are reported as missing.
func (a *App) guard(req access, next guardedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		session, err := a.currentSession(r)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		rc := &requestContext{Session: session}

		if req.admin {
			isAdmin, err := a.permissions.IsAdmin(ctx, session.Account.UserID)
			if err != nil {
				a.fail(w, r, err)
				return
			}
			if !isAdmin {
				a.log.Warn("admin access denied",
					zap.String("user_id", session.Account.UserID),
					zap.String("path", r.URL.Path))
				a.fail(w, r, ErrForbidden)
				return
			}
		}

		if req.directory {
			directoryID, err := routeID(r, "directoryID")
			if err != nil {
				a.fail(w, r, err)
				return
			}
			allowed, err := a.permissions.CanAccessDirectory(ctx, session.Account.UserID, directoryID)
			if err != nil {
				a.fail(w, r, err)
				return
			}
			if !allowed {
				a.fail(w, r, ErrNotFound)
				return
			}
			rc.Directory, err = a.directories.Get(ctx, directoryID)
			if err != nil {
				a.fail(w, r, err)
				return
			}
		}

		next(w, r, rc)
	}
}

func (a *App) currentSession(r *http.Request) (*SessionInfo, error) {
	value, ok := readSessionCookie(r)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	sessionID, err := parseSessionToken(a.sys.SecretKey, value)
	if err != nil {
		return nil, err
	}
	return a.auth.ValidateSession(r.Context(), sessionID)
}

func (a *App) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				a.log.Error("panic",
					zap.Any("panic", v),
					zap.String("stack", string(debug.Stack())))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (a *App) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)
		if sr.status == 0 {
			sr.status = http.StatusOK
		}

		a.metrics.requests.WithLabelValues(strconv.Itoa(sr.status)).Inc()
		if ce := a.log.Check(levelForStatus(sr.status), "http request"); ce != nil {
			ce.Write(
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sr.status),
				zap.Int64("bytes", sr.bytes),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)))
		}
	})
}

func levelForStatus(code int) zapcore.Level {
	switch {
	case code >= 500:
		return zapcore.ErrorLevel
	case code >= 400:
		return zapcore.WarnLevel
	}
	return zapcore.DebugLevel
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
