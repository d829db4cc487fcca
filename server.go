package main

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed templates
var templatesFolder embed.FS

// App wires the services to the HTTP surface. Nothing request specific
// lives here; per-request state travels in requestContext.
type App struct {
	config      Config
	db          *gorm.DB
	sys         *SystemData
	log         *zap.Logger
	clock       Clock
	auth        *AuthService
	permissions *PermissionService
	accounts    *AccountService
	directories *DirectoryService
	files       *FileService
	store       *BlobStore
	templates   *template.Template
	metrics     *metrics
}

func NewApp(config Config, database *gorm.DB, store *BlobStore, clock Clock, log *zap.Logger) (*App, error) {
	sys, err := loadSystemData(database, config.SessionExpiresMinutes)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		"date": func(t time.Time) string { return t.Format("2006-01-02") },
		"size": humanSize,
	}).ParseFS(templatesFolder, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse templates")
	}

	return &App{
		config:      config,
		db:          database,
		sys:         sys,
		log:         log,
		clock:       clock,
		auth:        NewAuthService(database, sys, clock, log.Named("auth")),
		permissions: NewPermissionService(database),
		accounts:    NewAccountService(database),
		directories: NewDirectoryService(database, clock),
		files:       NewFileService(database, clock),
		store:       store,
		templates:   tmpl,
		metrics:     newMetrics(),
	}, nil
}

func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(a.notFoundHandler)

	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/livez", a.livezHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)

	// Auth
	r.HandleFunc("/login", a.loginPageHandler).Methods(http.MethodGet)
	r.HandleFunc("/login", a.loginHandler).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.logoutHandler).Methods(http.MethodPost)
	r.HandleFunc("/profile", a.guard(access{}, a.profileHandler)).Methods(http.MethodGet, http.MethodPost)

	// Directories and files
	r.HandleFunc("/", a.guard(access{}, a.indexHandler)).Methods(http.MethodGet)
	r.HandleFunc("/d/{directoryID}", a.guard(access{directory: true}, a.directoryHandler)).Methods(http.MethodGet)
	r.HandleFunc("/d/{directoryID}/upload", a.guard(access{directory: true}, a.uploadHandler)).Methods(http.MethodPost)
	r.HandleFunc("/d/{directoryID}/f/{fileID}", a.guard(access{directory: true}, a.downloadHandler)).Methods(http.MethodGet)
	r.HandleFunc("/d/{directoryID}/f/{fileID}/delete", a.guard(access{directory: true}, a.deleteFileHandler)).Methods(http.MethodPost)

	// Admin
	admin := access{admin: true}
	r.HandleFunc("/admin", a.guard(admin, a.adminHandler)).Methods(http.MethodGet)
	r.HandleFunc("/admin/accounts", a.guard(admin, a.adminAccountsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/admin/accounts/new", a.guard(admin, a.adminAccountNewHandler)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/admin/accounts/{userID}", a.guard(admin, a.adminAccountEditHandler)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/admin/directories", a.guard(admin, a.adminDirectoriesHandler)).Methods(http.MethodGet)
	r.HandleFunc("/admin/directories/new", a.guard(admin, a.adminDirectoryNewHandler)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/admin/directories/{directoryID}", a.guard(admin, a.adminDirectoryEditHandler)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/admin/directories/{directoryID}/delete", a.guard(admin, a.adminDirectoryDeleteHandler)).Methods(http.MethodPost)

	return a.withRecover(a.withRequestLog(withSecurityHeaders(r)))
}

// MetricsRouter serves /metrics. It is meant for a listener that only the
// monitoring system can reach.
func (a *App) MetricsRouter() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", a.metrics.handler()).Methods(http.MethodGet)
	return a.withRecover(r)
}

// page is the data every template receives.
type page struct {
	Title   string
	Account *Account
	Flash   string
	Token   string
	Errors  map[string]string
	Form    map[string]string
	Data    interface{}
}

func (a *App) newPage(r *http.Request, rc *requestContext, title string) page {
	p := page{Title: title}
	if rc != nil && rc.Session != nil {
		p.Account = &rc.Session.Account
		p.Flash = a.auth.PopFlash(r.Context(), rc.Session.SessionID)
	}
	return p
}

func (a *App) render(w http.ResponseWriter, status int, name string, data page) {
	var buf bytes.Buffer
	if err := a.templates.ExecuteTemplate(&buf, name, data); err != nil {
		a.log.Error("failed to render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// fail turns an error into the response for its kind.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		a.redirectToLogin(w, r)
	case errors.Is(err, ErrForbidden):
		a.renderError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrNotFound):
		a.renderError(w, http.StatusNotFound, "Not found")
	case errors.As(err, &tooLarge):
		a.renderError(w, http.StatusRequestEntityTooLarge, "The upload is too large")
	case errors.Is(err, ErrValidation):
		a.renderError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, ErrDuplicate):
		a.renderError(w, http.StatusConflict, validationMessage(err))
	default:
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		a.renderError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (a *App) renderError(w http.ResponseWriter, status int, message string) {
	a.render(w, status, "error", page{Title: http.StatusText(status), Data: message})
}

func (a *App) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	a.renderError(w, http.StatusNotFound, "Not found")
}

// redirectToLogin sends the user back to where they were after logging in.
// Form posts cannot be replayed, so they return to the page holding the form.
func (a *App) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	next := r.URL.RequestURI()
	if r.Method != http.MethodGet {
		next = "/"
		if directoryID, err := routeID(r, "directoryID"); err == nil && strings.HasPrefix(r.URL.Path, "/d/") {
			next = directoryURL(directoryID)
		}
	}
	http.Redirect(w, r, "/login?next="+url.QueryEscape(next), http.StatusSeeOther)
}

func (a *App) redirectWithFlash(w http.ResponseWriter, r *http.Request, rc *requestContext, target, flash string) {
	if flash != "" {
		if err := a.auth.SetFlash(r.Context(), rc.Session.SessionID, flash); err != nil {
			a.log.Warn("failed to store flash message", zap.Error(err))
		}
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// issueToken embeds a fresh one-time token for form into p.
func (a *App) issueToken(r *http.Request, rc *requestContext, form string, p *page) error {
	token, err := a.auth.IssueFormToken(r.Context(), rc.Session.SessionID, form)
	if err != nil {
		return err
	}
	p.Token = token
	return nil
}

// checkToken consumes the one-time token submitted with form.
func (a *App) checkToken(r *http.Request, rc *requestContext, form string) error {
	if !a.auth.VerifyFormToken(r.Context(), rc.Session.SessionID, form, r.PostFormValue("token")) {
		a.log.Warn("rejected form submission",
			zap.String("form", form),
			zap.String("user_id", rc.Session.Account.UserID),
			zap.String("remote_addr", r.RemoteAddr))
		return errors.Wrap(ErrValidation, "the form has expired or was already submitted")
	}
	return nil
}

// formStatus is the status a form is rendered again with after err, or 0
// when err is not the user's to fix.
func formStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	}
	return 0
}

func formErrors(err error) map[string]string {
	if errs := fieldErrors(err); errs != nil {
		return errs
	}
	return map[string]string{"form": validationMessage(err)}
}

func validationMessage(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Message
	}
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[:i]
	}
	return msg
}

func routeID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(ErrValidation, "invalid %s", name)
	}
	return uint(id), nil
}

// safeNext only allows local paths as login redirect targets.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
