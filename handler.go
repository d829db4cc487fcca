package main

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// multipartMemory is how much of an upload is buffered in memory
	// before spilling to a temporary file.
	multipartMemory = 32 << 20
	// multipartOverhead leaves room for the other form fields.
	multipartOverhead = 1 << 20
	dateLayout        = "2006-01-02"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *App) livezHandler(w http.ResponseWriter, r *http.Request) {
	healthHandler(w, r)
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		a.log.Warn("database not ready", zap.Error(err))
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	healthHandler(w, r)
}

func (a *App) indexHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	directories, err := a.permissions.AccessibleDirectories(r.Context(), rc.Session.Account.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p := a.newPage(r, rc, "Directories")
	p.Data = directories
	a.render(w, http.StatusOK, "index", p)
}

type directoryPage struct {
	Directory   *Directory
	Files       []File
	DeleteToken string
	MaxUploadMB int64
	Today       time.Time
}

func (a *App) directoryHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	a.renderDirectory(w, r, rc, http.StatusOK, nil)
}

// renderDirectory shows the file list with fresh upload and delete tokens.
func (a *App) renderDirectory(w http.ResponseWriter, r *http.Request, rc *requestContext, status int, errs map[string]string) {
	files, err := a.files.ListActiveFiles(r.Context(), rc.Directory.DirectoryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p := a.newPage(r, rc, rc.Directory.DirectoryName)
	p.Errors = errs
	if r.Method == http.MethodPost {
		p.Form = map[string]string{
			"summary": r.PostFormValue("summary"),
			"expires": r.PostFormValue("expires"),
		}
	}
	if err := a.issueToken(r, rc, "upload", &p); err != nil {
		a.fail(w, r, err)
		return
	}
	deleteToken, err := a.auth.IssueFormToken(r.Context(), rc.Session.SessionID, "delete")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	p.Data = directoryPage{
		Directory:   rc.Directory,
		Files:       files,
		DeleteToken: deleteToken,
		MaxUploadMB: a.config.MaxUploadMB,
		Today:       today(a.clock),
	}
	a.render(w, status, "directory", p)
}

func (a *App) uploadHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.fail(w, r, err)
			return
		}
		a.fail(w, r, errors.Wrap(ErrValidation, "invalid upload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, err := a.upload(r, rc)
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := formStatus(err)
		if status == 0 || errors.As(err, &tooLarge) {
			a.fail(w, r, err)
			return
		}
		a.renderDirectory(w, r, rc, status, formErrors(err))
		return
	}

	a.redirectWithFlash(w, r, rc, directoryURL(rc.Directory.DirectoryID),
		fmt.Sprintf("Uploaded %s, available until %s", file.OriginFileName, file.Expires.Format(dateLayout)))
}

func (a *App) upload(r *http.Request, rc *requestContext) (*File, error) {
	if err := a.checkToken(r, rc, "upload"); err != nil {
		return nil, err
	}

	src, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, invalidField("file", "choose a file to upload")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upload")
	}
	defer src.Close()

	limit := a.config.MaxUploadBytes()
	if header.Size > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}

	in := NewFile{
		Name:        cleanFileName(header.Filename),
		DirectoryID: rc.Directory.DirectoryID,
		UploaderID:  rc.Session.Account.UserID,
		Summary:     strings.TrimSpace(r.PostFormValue("summary")),
	}
	if v := strings.TrimSpace(r.PostFormValue("expires")); v != "" {
		expires, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, invalidField("expires", "the expiry date must look like 2006-01-02")
		}
		in.Expires = &expires
	}

	file, err := a.files.RegisterFile(r.Context(), in)
	if err != nil {
		return nil, err
	}

	size, hash, err := a.store.Save(file.FileID, src, limit)
	if err != nil {
		a.withdraw(r, file)
		return nil, err
	}
	if err := a.files.SetContentInfo(r.Context(), file.FileID, size, hash); err != nil {
		a.withdraw(r, file)
		return nil, err
	}
	file.Size = size
	file.ContentHash = hash

	a.metrics.uploads.Inc()
	a.metrics.uploadBytes.Add(float64(size))
	a.log.Info("file uploaded",
		zap.Uint("file_id", file.FileID),
		zap.Uint("directory_id", file.DirectoryID),
		zap.String("user_id", file.RegisteredUserID),
		zap.Int64("size", size))
	return file, nil
}

// withdraw takes back a file whose upload did not complete.
func (a *App) withdraw(r *http.Request, file *File) {
	if _, err := a.files.DeleteFile(r.Context(), file.DirectoryID, file.FileID); err != nil {
		a.log.Error("failed to withdraw file", zap.Uint("file_id", file.FileID), zap.Error(err))
	}
	if err := a.store.Remove(file.FileID); err != nil {
		a.log.Warn("failed to remove content", zap.Uint("file_id", file.FileID), zap.Error(err))
	}
}

func (a *App) downloadHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	fileID, err := routeID(r, "fileID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	file, err := a.files.GetFile(r.Context(), rc.Directory.DirectoryID, fileID, true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	content, err := a.store.Open(file.FileID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer content.Close()

	contentType := mime.TypeByExtension(filepath.Ext(file.OriginFileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": file.OriginFileName})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", disposition)
	http.ServeContent(w, r, "", file.RegisteredDate, content)
}

func (a *App) deleteFileHandler(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	if err := r.ParseForm(); err != nil {
		a.fail(w, r, errors.Wrap(ErrValidation, "invalid form"))
		return
	}
	if err := a.checkToken(r, rc, "delete"); err != nil {
		a.fail(w, r, err)
		return
	}
	fileID, err := routeID(r, "fileID")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	name, err := a.files.DeleteFile(r.Context(), rc.Directory.DirectoryID, fileID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.metrics.filesDeleted.Inc()
	a.log.Info("file deleted",
		zap.Uint("file_id", fileID),
		zap.Uint("directory_id", rc.Directory.DirectoryID),
		zap.String("user_id", rc.Session.Account.UserID))
	a.redirectWithFlash(w, r, rc, directoryURL(rc.Directory.DirectoryID), "Deleted "+name)
}

func directoryURL(directoryID uint) string {
	return fmt.Sprintf("/d/%d", directoryID)
}

// cleanFileName keeps only the last path element of a client supplied name.
func cleanFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
