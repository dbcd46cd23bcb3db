package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/aegisgate/core/pkg/apperr"
)

// cachedResponse is a previously-seen response kept for idempotent replay.
// An entry with inFlight set marks a request still executing under the key.
type cachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
	inFlight   bool
}

// IdempotencyStore caches responses keyed by the client's Idempotency-Key.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore creates the store and starts its expiry sweep.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	s := &IdempotencyStore{entries: make(map[string]*cachedResponse), ttl: ttl}
	go s.sweep()
	return s
}

func (s *IdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// begin claims the key in one critical section: a finished entry is returned
// for replay, a live one reports in-flight, and an unseen key is marked
// in-flight for the caller.
func (s *IdempotencyStore) begin(key string) (cached *cachedResponse, replay, inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.inFlight {
			return nil, false, true
		}
		if time.Since(e.CachedAt) < s.ttl {
			return e, true, false
		}
	}
	s.entries[key] = &cachedResponse{inFlight: true, CachedAt: time.Now()}
	return nil, false, false
}

// finish resolves the in-flight marker: cacheable outcomes are stored for
// replay, everything else releases the key so the client may retry.
func (s *IdempotencyStore) finish(key string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (status >= 200 && status < 300) || status == http.StatusForbidden {
		s.entries[key] = &cachedResponse{StatusCode: status, Body: body, CachedAt: time.Now()}
		return
	}
	delete(s.entries, key)
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays the cached response for a repeated Idempotency-Key on
// mutating requests. A retried append therefore does not consume a second
// sequence number. Policy blocks (403) are cached too: replaying the block
// is the correct answer for the same message. A duplicate arriving while the
// first request is still executing gets 409 rather than a second execution.
func Idempotency(store *IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			cached, replay, inFlight := store.begin(key)
			if inFlight {
				WriteErr(w, r, apperr.Conflict("request with this idempotency key is in flight"))
				return
			}
			if replay {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			store.finish(key, capture.status, capture.body.Bytes())
		})
	}
}
