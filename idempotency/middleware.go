package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultKeyHeader    = "Idempotency-Key"
	DefaultTenantHeader = "X-Tenant-ID"
	ReplayedHeader      = "Idempotent-Replayed"

	maxKeyLength = 128
)

type middlewareConfig struct {
	keyHeader    string
	tenantHeader string
	required     bool
}

// MiddlewareOption customizes the HTTP decorator.
type MiddlewareOption func(c *middlewareConfig)

// WithKeyHeader changes the request header carrying the idempotency key.
func WithKeyHeader(name string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.keyHeader = name
	}
}

// WithTenantHeader changes the request header identifying the tenant.
func WithTenantHeader(name string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.tenantHeader = name
	}
}

// WithRequiredKey rejects mutating requests without a key instead of
// letting them through unguarded.
func WithRequiredKey() MiddlewareOption {
	return func(c *middlewareConfig) {
		c.required = true
	}
}

// Middleware decorates mutating requests (POST, PUT, PATCH and DELETE)
// with g. The scope of a key is the tenant plus the method and path.
func Middleware(g *Guard, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		keyHeader:    DefaultKeyHeader,
		tenantHeader: DefaultTenantHeader,
	}
	for _, o := range options {
		o(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.keyHeader)
			if key == "" && !cfg.required {
				next.ServeHTTP(w, r)
				return
			}
			if key == "" || len(key) > maxKeyLength {
				writeError(w, http.StatusBadRequest, "invalid "+cfg.keyHeader+" header")
				return
			}

			scope := r.Header.Get(cfg.tenantHeader) + ":" + r.Method + ":" + r.URL.Path
			snap, replayed, err := g.Do(r.Context(), scope, key, func(ctx context.Context) (*Snapshot, error) {
				var body bytes.Buffer
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				ww.Tee(&body)
				next.ServeHTTP(ww, r.WithContext(ctx))

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				return &Snapshot{StatusCode: status, Header: w.Header().Clone(), Body: body.Bytes()}, nil
			})
			switch {
			case errors.Is(err, ErrRequestInFlight):
				writeError(w, http.StatusConflict, err.Error())
			case errors.Is(err, coordinator.ErrUnreachable):
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			case err != nil:
				writeError(w, http.StatusInternalServerError, err.Error())
			case replayed:
				replay(w, snap)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func replay(w http.ResponseWriter, s *Snapshot) {
	for k, v := range s.Header {
		w.Header()[k] = v
	}
	w.Header().Set(ReplayedHeader, strconv.FormatBool(true))
	w.WriteHeader(s.StatusCode)
	_, _ = w.Write(s.Body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
