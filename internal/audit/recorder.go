package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"calibra.org/internal/auth"
	"calibra.org/internal/ids"
	"calibra.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so recorded
// entries can be correlated with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder persists audit entries off the request path. Writes happen on a
// background goroutine with a detached context: a slow or failing audit store
// never delays or fails the response. Failed writes are logged and dropped.
type Recorder struct {
	store   auth.AuditStore
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithWriteTimeout bounds how long a single background write may take.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorderClock overrides the time source (useful for tests).
func WithRecorderClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder backed by the given store.
func NewRecorder(store auth.AuditStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record queues an entry for persistence and returns immediately. Missing ID
// and timestamp are filled in before the write is handed off.
func (r *Recorder) Record(entry *auth.AuditEntry) {
	if r == nil || r.store == nil || entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.store.Append(ctx, entry); err != nil {
			obs.CountAuditWrite("error")
			obs.LogError("audit write failed", err)
			return
		}
		obs.CountAuditWrite("ok")
	}()
}

// Flush blocks until all queued writes have finished. Called on shutdown and
// from tests.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
