package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/policy"
	"github.com/ledgerline/opshub/internal/storage"
)

// multipartOverhead covers boundaries and small form fields around the file.
const multipartOverhead = 64 << 10

// BlobStore keeps content-addressed file bodies. storage.Store satisfies it.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader, maxBytes int64) (storage.Blob, error)
	Open(key string) (*os.File, error)
	Exists(key string) bool
	Delete(key string) error
}

// errBlobGone means a concurrent delete removed the blob before the upload
// could reference it.
var errBlobGone = errors.New("blob removed during upload")

type FileHandler struct {
	base
	store    BlobStore
	maxBytes int64
}

func NewFileHandler(database db.DB, authz policy.Authorizer, audit Auditor, store BlobStore, maxBytes int64, logger *zap.Logger) *FileHandler {
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &FileHandler{
		base:     newBase(database, authz, audit, logger),
		store:    store,
		maxBytes: maxBytes,
	}
}

// ListFiles handles GET /api/files
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceFiles, nil) {
		return
	}
	f := filter{clauses: []string{"deleted_at IS NULL"}}
	clientID, err := optionalID(r.URL.Query().Get("client_id"))
	if err != nil {
		sendError(w, "Invalid client_id", http.StatusBadRequest)
		return
	}
	if clientID != nil {
		f.add("client_id = ?", *clientID)
	}
	limit, offset := pagination(r)
	query := `SELECT ` + db.FileColumns() + ` FROM files` + f.where() +
		` ORDER BY created_at DESC` + f.page(limit, offset)

	files := []db.File{}
	if err := h.db.SelectContext(r.Context(), &files, query, f.args...); err != nil {
		h.fail(w, r, err, "File")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files":  files,
		"limit":  limit,
		"offset": offset,
	})
}

// UploadFile handles POST /api/files (multipart form with a "file" part and
// an optional "client_id" field). The body is streamed into the store.
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceFiles, nil) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		sendError(w, "Expected multipart/form-data", http.StatusBadRequest)
		return
	}

	var (
		clientID *uuid.UUID
		file     *db.File
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.uploadError(w, r, err)
			return
		}

		switch part.FormName() {
		case "client_id":
			raw, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				h.uploadError(w, r, err)
				return
			}
			if clientID, err = optionalID(strings.TrimSpace(string(raw))); err != nil {
				sendError(w, "Invalid client_id", http.StatusBadRequest)
				return
			}
		case "file":
			if file != nil {
				sendError(w, "Only one file per upload", http.StatusBadRequest)
				return
			}
			blob, err := h.store.Put(r.Context(), part, h.maxBytes)
			if err != nil {
				h.uploadError(w, r, err)
				return
			}
			name := cleanFileName(part.FileName())
			file = &db.File{
				Name:        name,
				ContentType: contentType(part.Header.Get("Content-Type"), name),
				SizeBytes:   blob.Size,
				StorageKey:  blob.Key,
				SHA256:      blob.SHA256,
			}
		}
		_ = part.Close()
	}
	if file == nil {
		sendError(w, "File is required", http.StatusBadRequest)
		return
	}

	owner := user.UserID
	file.OwnerID = &owner
	file.ClientID = clientID
	err = db.WithTx(r.Context(), h.db, func(tx *sqlx.Tx) error {
		if err := db.LockBlob(r.Context(), tx, file.StorageKey); err != nil {
			return err
		}
		if !h.store.Exists(file.StorageKey) {
			return errBlobGone
		}
		return db.InsertFile(r.Context(), tx, file)
	})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrConflict):
			sendError(w, "Unknown client", http.StatusBadRequest)
		case errors.Is(err, errBlobGone):
			h.logger.Warn("Blob removed during upload", zap.String("sha256", file.SHA256))
			sendError(w, "Upload raced a delete, retry", http.StatusConflict)
		default:
			h.fail(w, r, err, "File")
		}
		return
	}

	h.logger.Info("File uploaded",
		zap.String("file_id", file.ID.String()),
		zap.String("sha256", file.SHA256),
		zap.Int64("size", file.SizeBytes),
	)
	h.record(user, r, "file.uploaded", "file", file.ID.String(),
		map[string]interface{}{"size": file.SizeBytes})
	writeJSON(w, http.StatusCreated, file)
}

func (h *FileHandler) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &tooLarge):
		sendError(w, "File exceeds upload limit", http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.Canceled):
		h.logger.Debug("Upload canceled", zap.String("path", r.URL.Path))
	default:
		h.logger.Warn("Upload failed", zap.Error(err))
		sendError(w, "Invalid upload", http.StatusBadRequest)
	}
}

// DownloadFile handles GET /api/files/{id}/download
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceFiles, nil) {
		return
	}
	file, err := db.GetFile(r.Context(), h.db, id)
	if err != nil {
		h.fail(w, r, err, "File")
		return
	}

	body, err := h.store.Open(file.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("File row without blob",
				zap.String("file_id", file.ID.String()),
				zap.String("sha256", file.SHA256),
			)
			sendError(w, "File content missing", http.StatusNotFound)
			return
		}
		h.fail(w, r, err, "File")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("ETag", `"`+file.SHA256+`"`)
	http.ServeContent(w, r, file.Name, file.CreatedAt, body)
}

// DeleteFile handles DELETE /api/files/{id}. The blob is removed once no
// live row refers to it.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	file, err := db.GetFile(r.Context(), h.db, id)
	if err != nil {
		h.fail(w, r, err, "File")
		return
	}
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceFiles, file.OwnerID) {
		return
	}

	// The reference count and the blob removal happen under the blob lock
	// so an upload of the same content waits for the delete to finish.
	var shared bool
	err = db.WithTx(r.Context(), h.db, func(tx *sqlx.Tx) error {
		if err := db.LockBlob(r.Context(), tx, file.StorageKey); err != nil {
			return err
		}
		var err error
		if shared, err = db.SoftDeleteFile(r.Context(), tx, file); err != nil {
			return err
		}
		if !shared {
			if err := h.store.Delete(file.StorageKey); err != nil {
				h.logger.Warn("Failed to remove blob", zap.String("sha256", file.SHA256), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err, "File")
		return
	}

	h.logger.Info("File deleted", zap.String("file_id", id.String()), zap.Bool("blob_kept", shared))
	h.record(user, r, "file.deleted", "file", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := name[:len(name)-len(ext)]
		cut := 255 - len(ext)
		for cut > 0 && !utf8.RuneStart(stem[cut]) {
			cut--
		}
		name = stem[:cut] + ext
	}
	return name
}

func contentType(declared, name string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
