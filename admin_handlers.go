package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type adminPage struct {
	Accounts    int
	Directories int
}

func (a *App) adminHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	accounts, err := a.accounts.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	directories, err := a.directories.ListActive(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p := a.newPage(r, rc, "Administration")
	p.Data = adminPage{Accounts: len(accounts), Directories: len(directories)}
	a.render(w, http.StatusOK, "admin", p)
}

// Accounts

func (a *App) adminAccountsHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	accounts, err := a.accounts.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p := a.newPage(r, rc, "Accounts")
	p.Data = accounts
	a.render(w, http.StatusOK, "admin-accounts", p)
}

type accountFormPage struct {
	Account *Account
	IsNew   bool
}

// passwordPage shows a generated password. It is never stored in clear and
// cannot be displayed again.
type passwordPage struct {
	Account  *Account
	Password string
}

func (a *App) adminAccountNewHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	p := a.newPage(r, rc, "New account")
	p.Data = accountFormPage{IsNew: true}
	status := http.StatusOK

	if r.Method == http.MethodPost {
		account, password, err := a.createAccount(r, rc)
		if err == nil {
			a.log.Info("account created",
				zap.String("user_id", account.UserID),
				zap.Bool("is_admin", account.IsAdmin),
				zap.String("by", rc.Session.Account.UserID))
			p.Data = passwordPage{Account: account, Password: password}
			a.render(w, http.StatusOK, "admin-password", p)
			return
		}
		if status = formStatus(err); status == 0 {
			a.fail(w, r, err)
			return
		}
		p.Errors = formErrors(err)
		p.Form = map[string]string{
			"user_id":      r.PostFormValue("user_id"),
			"display_name": r.PostFormValue("display_name"),
			"is_admin":     r.PostFormValue("is_admin"),
		}
	}

	if err := a.issueToken(r, rc, "account", &p); err != nil {
		a.fail(w, r, err)
		return
	}
	a.render(w, status, "admin-account-form", p)
}

func (a *App) createAccount(r *http.Request, rc *requestContext) (*Account, string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, "", errors.Wrap(ErrValidation, "invalid form")
	}
	if err := a.checkToken(r, rc, "account"); err != nil {
		return nil, "", err
	}

	password, err := generatePassword(a.config.PasswordLength)
	if err != nil {
		return nil, "", err
	}
	account, err := a.accounts.Create(r.Context(), AccountInput{
		UserID:      strings.TrimSpace(r.PostFormValue("user_id")),
		DisplayName: r.PostFormValue("display_name"),
		Password:    password,
		IsAdmin:     r.PostFormValue("is_admin") == "on",
	})
	if err != nil {
		return nil, "", err
	}
	return account, password, nil
}

func (a *App) adminAccountEditHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	account, err := a.accounts.Get(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p := a.newPage(r, rc, "Account "+account.UserID)
	p.Data = accountFormPage{Account: account}
	p.Form = map[string]string{
		"display_name": account.DisplayName,
		"is_admin":     checkbox(account.IsAdmin),
	}
	status := http.StatusOK

	if r.Method == http.MethodPost {
		password, err := a.updateAccount(r, rc, account)
		if err == nil {
			a.log.Info("account updated",
				zap.String("user_id", account.UserID),
				zap.Bool("password_reset", password != ""),
				zap.String("by", rc.Session.Account.UserID))
			if password != "" {
				p.Data = passwordPage{Account: account, Password: password}
				a.render(w, http.StatusOK, "admin-password", p)
				return
			}
			a.redirectWithFlash(w, r, rc, "/admin/accounts", "Updated "+account.UserID)
			return
		}
		if status = formStatus(err); status == 0 {
			a.fail(w, r, err)
			return
		}
		p.Errors = formErrors(err)
		p.Form = map[string]string{
			"display_name":   r.PostFormValue("display_name"),
			"is_admin":       r.PostFormValue("is_admin"),
			"reset_password": r.PostFormValue("reset_password"),
		}
	}

	if err := a.issueToken(r, rc, "account-edit", &p); err != nil {
		a.fail(w, r, err)
		return
	}
	a.render(w, status, "admin-account-form", p)
}

// updateAccount applies the edit form and returns the new password when a
// reset was requested.
func (a *App) updateAccount(r *http.Request, rc *requestContext, account *Account) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", errors.Wrap(ErrValidation, "invalid form")
	}
	if err := a.checkToken(r, rc, "account-edit"); err != nil {
		return "", err
	}

	isAdmin := r.PostFormValue("is_admin") == "on"
	if account.UserID == rc.Session.Account.UserID && !isAdmin {
		return "", invalidField("is_admin", "you cannot remove your own administrator rights")
	}
	displayName := r.PostFormValue("display_name")
	if err := a.accounts.AdminUpdate(r.Context(), account.UserID, displayName, isAdmin); err != nil {
		return "", err
	}
	account.DisplayName = strings.TrimSpace(displayName)
	account.IsAdmin = isAdmin

	if r.PostFormValue("reset_password") != "on" {
		return "", nil
	}
	password, err := generatePassword(a.config.PasswordLength)
	if err != nil {
		return "", err
	}
	if err := a.accounts.ResetPassword(r.Context(), account.UserID, password); err != nil {
		return "", err
	}
	return password, nil
}

// Directories

func (a *App) adminDirectoriesHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	directories, err := a.directories.ListActive(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p := a.newPage(r, rc, "Directories")
	p.Data = directories
	a.render(w, http.StatusOK, "admin-directories", p)
}

type directoryFormPage struct {
	Directory   *Directory
	Accounts    []Account
	Viewers     map[string]bool
	DeleteToken string
}

func (a *App) adminDirectoryNewHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	p := a.newPage(r, rc, "New directory")
	p.Form = map[string]string{"expires_days": strconv.Itoa(a.config.ExpiresDays)}
	viewers := map[string]bool{}
	status := http.StatusOK

	if r.Method == http.MethodPost {
		directory, err := a.saveDirectory(r, rc, "directory", 0)
		if err == nil {
			a.log.Info("directory created",
				zap.Uint("directory_id", directory.DirectoryID),
				zap.String("name", directory.DirectoryName),
				zap.String("by", rc.Session.Account.UserID))
			a.redirectWithFlash(w, r, rc, "/admin/directories", "Created "+directory.DirectoryName)
			return
		}
		if status = formStatus(err); status == 0 {
			a.fail(w, r, err)
			return
		}
		p.Errors = formErrors(err)
		p.Form, viewers = directoryFormValues(r)
	}

	a.renderDirectoryForm(w, r, rc, status, p, nil, viewers)
}

func (a *App) adminDirectoryEditHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	directoryID, err := routeID(r, "directoryID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	directory, err := a.directories.Get(r.Context(), directoryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p := a.newPage(r, rc, "Directory "+directory.DirectoryName)
	status := http.StatusOK
	var viewers map[string]bool

	if r.Method == http.MethodPost {
		updated, err := a.saveDirectory(r, rc, "directory-edit", directoryID)
		if err == nil {
			a.log.Info("directory updated",
				zap.Uint("directory_id", directoryID),
				zap.String("by", rc.Session.Account.UserID))
			a.redirectWithFlash(w, r, rc, "/admin/directories", "Updated "+updated.DirectoryName)
			return
		}
		if status = formStatus(err); status == 0 {
			a.fail(w, r, err)
			return
		}
		p.Errors = formErrors(err)
		p.Form, viewers = directoryFormValues(r)
	} else {
		ids, err := a.permissions.Viewers(r.Context(), directoryID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		viewers = make(map[string]bool, len(ids))
		for _, id := range ids {
			viewers[id] = true
		}
		p.Form = map[string]string{
			"directory_name": directory.DirectoryName,
			"summary":        directory.Summary,
			"expires_days":   strconv.Itoa(directory.ExpiresDays),
		}
	}

	a.renderDirectoryForm(w, r, rc, status, p, directory, viewers)
}

func (a *App) renderDirectoryForm(w http.ResponseWriter, r *http.Request, rc *requestContext, status int, p page, directory *Directory, viewers map[string]bool) {
	accounts, err := a.accounts.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	form := "directory"
	data := directoryFormPage{Directory: directory, Accounts: accounts, Viewers: viewers}
	if directory != nil {
		form = "directory-edit"
		data.DeleteToken, err = a.auth.IssueFormToken(r.Context(), rc.Session.SessionID, "directory-delete")
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if err := a.issueToken(r, rc, form, &p); err != nil {
		a.fail(w, r, err)
		return
	}
	p.Data = data
	a.render(w, status, "admin-directory-form", p)
}

// saveDirectory creates the directory when directoryID is 0 and updates it
// otherwise.
func (a *App) saveDirectory(r *http.Request, rc *requestContext, form string, directoryID uint) (*Directory, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.Wrap(ErrValidation, "invalid form")
	}
	if err := a.checkToken(r, rc, form); err != nil {
		return nil, err
	}

	in, err := parseDirectoryInput(r)
	if err != nil {
		return nil, err
	}
	if directoryID == 0 {
		return a.directories.Create(r.Context(), in)
	}
	return a.directories.Update(r.Context(), directoryID, in)
}

func (a *App) adminDirectoryDeleteHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	directoryID, err := routeID(r, "directoryID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		a.fail(w, r, errors.Wrap(ErrValidation, "invalid form"))
		return
	}
	if err := a.checkToken(r, rc, "directory-delete"); err != nil {
		a.fail(w, r, err)
		return
	}

	directory, err := a.directories.Delete(r.Context(), directoryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("directory deleted",
		zap.Uint("directory_id", directoryID),
		zap.String("by", rc.Session.Account.UserID))
	a.redirectWithFlash(w, r, rc, "/admin/directories", fmt.Sprintf("Deleted %s", directory.DirectoryName))
}

func parseDirectoryInput(r *http.Request) (DirectoryInput, error) {
	in := DirectoryInput{
		Name:    strings.TrimSpace(r.PostFormValue("directory_name")),
		Summary: strings.TrimSpace(r.PostFormValue("summary")),
		Viewers: uniqueStrings(r.PostForm["viewers"]),
	}
	days, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue("expires_days")))
	if err != nil {
		return in, invalidField("expires_days", "enter the number of days files are kept")
	}
	in.ExpiresDays = days
	if len(in.Viewers) == 0 {
		return in, invalidField("viewers", "choose at least one account")
	}
	return in, nil
}

func directoryFormValues(r *http.Request) (map[string]string, map[string]bool) {
	form := map[string]string{
		"directory_name": r.PostFormValue("directory_name"),
		"summary":        r.PostFormValue("summary"),
		"expires_days":   r.PostFormValue("expires_days"),
	}
	viewers := map[string]bool{}
	for _, id := range r.PostForm["viewers"] {
		viewers[id] = true
	}
	return form, viewers
}

func checkbox(checked bool) string {
	if checked {
		return "on"
	}
	return ""
}
