package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Error codes rendered by the idempotency middleware.
const (
	CodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeIdempotencyStore      = "IDEMPOTENCY_STORE"
)

// ReplayHeader marks responses served from the idempotency store.
const ReplayHeader = "Idempotent-Replayed"

const pendingMarker = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. Keys are scoped
// to the request method and path so the same key may be reused across resources.
// The first completed response is stored and replayed for later requests with
// the same key; 5xx responses release the key so the client may retry.
type Idem struct {
	R   redis.Cmdable
	TTL time.Duration
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

func idemKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware applies idempotency to requests carrying an Idempotency-Key
// header. Requests without the header pass through untouched. A handler that
// panics or never writes a response releases the key instead of storing it.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := idemKey(r, header)
		ok, err := i.R.SetNX(ctx, key, pendingMarker, i.TTL).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, CodeIdempotencyStore, "idempotency store unavailable", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			bg := context.WithoutCancel(ctx)
			if p := recover(); p != nil {
				_ = i.R.Del(bg, key).Err()
				panic(p)
			}
			if !rec.wrote || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(bg, key).Err()
				return
			}
			stored, err := json.Marshal(storedResponse{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()})
			if err != nil {
				_ = i.R.Del(bg, key).Err()
				return
			}
			_ = i.R.Set(bg, key, stored, i.TTL).Err()
		}()
		next.ServeHTTP(rec, r)
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || string(raw) == pendingMarker {
		JSONError(w, http.StatusConflict, CodeIdempotencyInProgress, "a request with this idempotency key is in progress", nil)
		return
	}
	var stored storedResponse
	if err != nil || json.Unmarshal(raw, &stored) != nil {
		JSONError(w, http.StatusServiceUnavailable, CodeIdempotencyStore, "idempotency store unavailable", nil)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

type captureWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wrote {
		c.status = code
		c.wrote = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.wrote = true
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
