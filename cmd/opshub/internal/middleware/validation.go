package middleware

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
)

const maxPageLimit = 200

// Validation rejects malformed common parameters before they reach handlers.
type Validation struct {
	logger *zap.Logger
}

func NewValidation(logger *zap.Logger) *Validation {
	return &Validation{logger: logger}
}

func (v *Validation) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch r.Method {
		case http.MethodGet:
			if msg := validatePagination(r); msg != "" {
				v.sendBadRequest(w, r, msg)
				return
			}
			if path == "/api/tasks" {
				if msg := validateTaskFilters(r); msg != "" {
					v.sendBadRequest(w, r, msg)
					return
				}
			}
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if r.ContentLength != 0 && !strings.HasPrefix(path, "/api/files") && !jsonContent(r) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnsupportedMediaType)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Content-Type must be application/json"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func validatePagination(r *http.Request) string {
	q := r.URL.Query()
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxPageLimit {
			return "Invalid limit parameter"
		}
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			return "Invalid offset parameter"
		}
	}
	return ""
}

func validateTaskFilters(r *http.Request) string {
	q := r.URL.Query()
	if s := q.Get("status"); s != "" && !db.ValidTaskStatus(s) {
		return "Invalid status value"
	}
	if p := q.Get("priority"); p != "" && !db.ValidPriority(p) {
		return "Invalid priority value"
	}
	return ""
}

func jsonContent(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

func (v *Validation) sendBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	v.logger.Debug("Request rejected by validation", zap.String("path", r.URL.Path), zap.String("reason", msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
