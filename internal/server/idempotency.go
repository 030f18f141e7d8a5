package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// IdempotencyHeader carries the client-chosen idempotency key.
	IdempotencyHeader = "Idempotency-Key"
	// IdempotencyHitHeader is set on responses replayed from the cache.
	IdempotencyHitHeader = "X-Idempotency-Hit"

	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultLockTimeout    = 10 * time.Second

	idempotencyKeyPrefix  = "idempotency:"
	idempotencyLockPrefix = "lock:idempotency:"
)

// IdempotencyOptions tunes the middleware.
type IdempotencyOptions struct {
	TTL         time.Duration
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Idempotency replays the first successful response for a repeated
// Idempotency-Key. Keys are scoped to method and path. A request whose key
// is still being processed is rejected with 409.
type Idempotency struct {
	client      *redis.Client
	ttl         time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewIdempotency builds the middleware around a Redis client.
func NewIdempotency(client *redis.Client, opts IdempotencyOptions) *Idempotency {
	if opts.TTL <= 0 {
		opts.TTL = DefaultIdempotencyTTL
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Idempotency{
		client:      client,
		ttl:         opts.TTL,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.With("component", "idempotency"),
	}
}

type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// responseCapture records the status and body while writing through.
type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *responseCapture) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseCapture) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware applies idempotency to mutating requests carrying the header.
func (m *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		scope := key + "|" + r.Method + " " + r.URL.Path
		cacheKey := idempotencyKeyPrefix + scope
		lockKey := idempotencyLockPrefix + scope
		log := m.logger.With("idempotency_key", key, "path", r.URL.Path)
		ctx := r.Context()

		if replayed, err := m.replay(ctx, w, cacheKey); err != nil {
			log.Error("idempotency cache read failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		} else if replayed {
			log.Debug("idempotent replay")
			return
		}

		acquired, err := m.client.SetNX(ctx, lockKey, "processing", m.lockTimeout).Result()
		if err != nil {
			log.Error("idempotency lock failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !acquired {
			log.Warn("concurrent request with the same idempotency key")
			respondJSON(w, http.StatusConflict, errorResponse{
				Error: "a request with this idempotency key is currently being processed",
				Kind:  "idempotency_conflict",
			})
			return
		}

		// The handler's side effects happen regardless of the client going away.
		bg := context.WithoutCancel(ctx)
		defer func() {
			if err := m.client.Del(bg, lockKey).Err(); err != nil {
				log.Warn("failed to release idempotency lock", "error", err)
			}
		}()

		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.status < 200 || capture.status >= 300 {
			return
		}
		payload, err := json.Marshal(cachedResponse{Status: capture.status, Body: capture.body.Bytes()})
		if err != nil {
			log.Error("encode idempotent response", "error", err)
			return
		}
		if err := m.client.Set(bg, cacheKey, payload, m.ttl).Err(); err != nil {
			log.Error("failed to cache idempotent response", "error", err)
			return
		}
		log.Debug("cached idempotent response", "status", capture.status, "ttl", m.ttl)
	})
}

func (m *Idempotency) replay(ctx context.Context, w http.ResponseWriter, cacheKey string) (bool, error) {
	raw, err := m.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return false, err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(IdempotencyHitHeader, "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
	return true, nil
}
