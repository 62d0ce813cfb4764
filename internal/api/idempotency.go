package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/foresight/exchange-core/internal/coordstore"
)

// IdempotencyHeader carries the client-chosen key on write endpoints.
const IdempotencyHeader = "X-Idempotency-Key"

const idempotencyPrefix = "idem:"

// storedResponse is the recorded (status, body) pair for a key.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency replays the recorded response for a repeated key within
// the retention window instead of reprocessing the request. Server
// errors (5xx) are never recorded, so a failed attempt can be retried
// with the same key. Requests without the header pass through untouched.
type Idempotency struct {
	store     coordstore.Store
	retention time.Duration
}

// NewIdempotency creates the middleware. Retention defaults to 24h.
func NewIdempotency(store coordstore.Store, retention time.Duration) *Idempotency {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Idempotency{store: store, retention: retention}
}

// Middleware wraps write handlers.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		storeKey := idempotencyPrefix + key

		if cached, ok := i.lookup(r.Context(), storeKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replay", "true")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 500 {
			return
		}
		i.record(r.Context(), storeKey, storedResponse{Status: rec.status, Body: rec.body.Bytes()})
	})
}

func (i *Idempotency) lookup(ctx context.Context, key string) (storedResponse, bool) {
	raw, ok, err := i.store.Get(ctx, key)
	if err != nil {
		slog.Warn("idempotency lookup failed", "err", err)
		return storedResponse{}, false
	}
	if !ok {
		return storedResponse{}, false
	}
	var cached storedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		slog.Warn("idempotency record corrupt", "key", key, "err", err)
		return storedResponse{}, false
	}
	return cached, true
}

func (i *Idempotency) record(ctx context.Context, key string, resp storedResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("encode idempotency record", "err", err)
		return
	}
	// SetNX: the first completed request for a key wins; a concurrent
	// duplicate does not overwrite it.
	if _, err := i.store.SetNX(ctx, key, string(raw), i.retention); err != nil {
		slog.Warn("store idempotency record", "err", err)
	}
}

// responseRecorder tees the response so it can be replayed later.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
