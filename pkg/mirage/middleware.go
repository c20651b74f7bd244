package mirage

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/decoyhq/mirage/internal/middleware"
)

// HeaderAction carries the verdict action to the protected handler on
// allowed requests. It is stripped from inbound requests so clients cannot
// spoof it, and it never appears in a response: nothing observable
// distinguishes deceptive payloads from real ones.
const HeaderAction = "X-Mirage-Action"

// maxScanBytes bounds how much of the body participates in classification.
// The origin still receives the full stream.
const maxScanBytes = 64 << 10

// Middleware wraps next so every request is classified first. Allowed
// requests pass through with HeaderAction set for the origin; hostile
// requests receive the verdict's deceptive payload under its own content
// type; blocks disguise as an unavailable service.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", eng.Middleware(apiHandler))
//
// Usage with Gorilla Mux:
//
//	router.Use(eng.MiddlewareFunc())
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderAction)

		req, err := RequestFromHTTP(r)
		if err != nil {
			// An unreadable body is hostile or broken either way.
			writeUnavailable(w)
			return
		}

		v := e.Process(req)

		if !e.allowRate(v) {
			e.throttled.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":1}`))
			return
		}

		switch v.Action {
		case ActionBlock:
			writeUnavailable(w)

		case ActionCountermeasures:
			if v.Payload == nil {
				slog.Warn("mirage: countermeasure payload missing, serving unavailable",
					"scenario", v.Scenario, "fingerprint", v.Fingerprint)
				writeUnavailable(w)
				return
			}
			w.Header().Set("Content-Type", v.Payload.ContentType)
			w.WriteHeader(http.StatusOK)
			w.Write(v.Payload.Body)

		default:
			r.Header.Set(HeaderAction, v.Action)
			next.ServeHTTP(w, r)
		}
	})
}

// MiddlewareFunc returns Gorilla Mux compatible middleware.
func (e *Engine) MiddlewareFunc() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return e.Middleware(next)
	}
}

// RequestFromHTTP normalizes an http.Request for classification. The first
// maxScanBytes of the body are read and the body is rebuilt so downstream
// handlers see the original stream.
func RequestFromHTTP(r *http.Request) (*Request, error) {
	req := &Request{
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		SourceAddress: middleware.ClientAddr(r),
		UserAgent:     r.UserAgent(),
		Endpoint:      r.URL.Path,
		Query:         r.URL.RawQuery,
		SessionID:     r.Header.Get("X-Session-Id"),
	}

	if len(r.Header) > 0 {
		req.Headers = make(map[string]string, len(r.Header))
		for k, vals := range r.Header {
			if len(vals) > 0 {
				req.Headers[k] = vals[0]
			}
		}
	}

	if r.Body != nil && r.Body != http.NoBody {
		scanned, err := io.ReadAll(io.LimitReader(r.Body, maxScanBytes))
		if err != nil {
			return nil, err
		}
		req.Body = string(scanned)
		r.Body = rebuiltBody{io.MultiReader(bytes.NewReader(scanned), r.Body), r.Body}
	}

	return req, nil
}

// rebuiltBody prepends the scanned prefix back onto the unread remainder.
type rebuiltBody struct {
	io.Reader
	io.Closer
}

// writeUnavailable is the block response: a plain service error with
// nothing that names the defense layer.
func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error":"service temporarily unavailable"}`))
}
