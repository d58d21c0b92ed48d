package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
)

const maxIdempotentBody = 1 << 20

// Idempotency replays the stored 2xx response for a repeated POST carrying
// the same Idempotency-Key, user, path and body. Redis errors skip caching.
type Idempotency struct {
	redis  redis.Cmdable
	logger *zap.Logger
	ttl    time.Duration
}

func NewIdempotency(rdb redis.Cmdable, logger *zap.Logger) *Idempotency {
	return &Idempotency{redis: rdb, logger: logger, ttl: 24 * time.Hour}
}

// storedResponse is the cached result of an idempotent request
type storedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Timestamp  time.Time           `json:"timestamp"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (im *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || key == "" || im.redis == nil || len(key) > 255 {
			next.ServeHTTP(w, r)
			return
		}

		cacheKey, ok := im.cacheKey(r, key)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if cached, err := im.load(ctx, cacheKey); err == nil {
			im.logger.Debug("Replaying idempotent response", zap.String("idempotency_key", key), zap.String("path", r.URL.Path))
			for k, values := range cached.Headers {
				w.Header()[k] = values
			}
			w.Header().Set("X-Idempotency-Cached", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		} else if err != redis.Nil {
			im.logger.Warn("Idempotency lookup failed", zap.Error(err))
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.statusCode < 200 || rec.statusCode >= 300 {
			return
		}
		res := &storedResponse{
			StatusCode: rec.statusCode,
			Headers:    replayHeaders(rec.Header()),
			Body:       rec.body.Bytes(),
			Timestamp:  time.Now(),
		}
		if err := im.store(context.WithoutCancel(ctx), cacheKey, res); err != nil {
			im.logger.Warn("Failed to cache idempotent response", zap.Error(err), zap.String("idempotency_key", key))
		}
	})
}

// cacheKey hashes the key with the principal, path and body. Bodies larger
// than the limit are not cached.
func (im *Idempotency) cacheKey(r *http.Request, key string) (string, bool) {
	h := sha256.New()
	h.Write([]byte(key))
	if user, err := auth.GetUserContext(r.Context()); err == nil {
		h.Write([]byte(user.UserID.String()))
	}
	h.Write([]byte(r.URL.Path))
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		if err != nil || len(body) > maxIdempotentBody {
			return "", false
		}
		h.Write(body)
	}
	return "opshub:idempotency:" + hex.EncodeToString(h.Sum(nil))[:32], true
}

// replayHeaders keeps only headers produced by the handler itself; the
// outer middleware sets its own on replay.
func replayHeaders(h http.Header) map[string][]string {
	out := map[string][]string{}
	for _, k := range []string{"Content-Type", "Location"} {
		if v := h.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

func (im *Idempotency) load(ctx context.Context, key string) (*storedResponse, error) {
	data, err := im.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var res storedResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (im *Idempotency) store(ctx context.Context, key string, res *storedResponse) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, key, data, im.ttl).Err()
}
