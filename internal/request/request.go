// Package request defines the normalized inbound request shape the defense
// pipeline operates on, plus the stable fingerprint that keys all
// per-client state.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// historyQueryCap bounds how much of the query string is carried into
// history entries. Behavioral checks only need enough of the query to
// recover parameter names and values.
const historyQueryCap = 512

// Param is a single decoded query parameter. Order matters: requests keep
// parameters in wire order so identical requests hash identically.
type Param struct {
	Key   string
	Value string
}

// Request is the transport-independent view of one inbound call. The
// adapter that speaks HTTP (or anything else) constructs it once; the
// pipeline never mutates it.
type Request struct {
	// Timestamp is seconds since epoch with sub-second precision. The
	// caller supplies it; monotonic sources are fine as long as they are
	// consistent per fingerprint.
	Timestamp float64

	SourceAddress string
	UserAgent     string

	// Endpoint is the request path without query string.
	Endpoint string

	// Params holds decoded query parameters in wire order.
	Params []Param

	// Headers must be stored with lowercase keys. Use Header for lookups.
	Headers map[string]string

	// Body is the canonical string form of the request body, decoded by
	// the adapter.
	Body string

	// SessionID may be empty for anonymous traffic.
	SessionID string
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Fingerprint derives the stable identity key for this client: a SHA-256
// digest over the source address, user agent, and session identifier. The
// address and agent are lowercased first so case drift does not split one
// client across keys. Volatile fields (endpoint, params, body, timestamp)
// never participate.
func (r *Request) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(r.SourceAddress)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(r.UserAgent)))
	h.Write([]byte{0})
	h.Write([]byte(r.SessionID))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash digests the request content (endpoint, ordered params, body)
// so history can store a fixed-size stand-in for the payload.
func (r *Request) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(r.Endpoint))
	h.Write([]byte{0})
	h.Write([]byte(r.CanonicalQuery()))
	h.Write([]byte{0})
	h.Write([]byte(r.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalQuery renders the parameters as k=v&k=v in wire order. Values
// are kept decoded; the string is for hashing and pattern scans, not for
// re-emission on the wire.
func (r *Request) CanonicalQuery() string {
	if len(r.Params) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range r.Params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// HistoryEndpoint is the endpoint form stored in history entries: the path
// plus a bounded slice of the query, enough for enumeration and sweep
// checks to recover parameter values later.
func (r *Request) HistoryEndpoint() string {
	q := r.CanonicalQuery()
	if q == "" {
		return r.Endpoint
	}
	if len(q) > historyQueryCap {
		q = q[:historyQueryCap]
	}
	return r.Endpoint + "?" + q
}

// ContentSurface is the single string content patterns are matched
// against: path, query, and body joined together.
func (r *Request) ContentSurface() string {
	var b strings.Builder
	b.WriteString(r.Endpoint)
	if q := r.CanonicalQuery(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if r.Body != "" {
		b.WriteByte(' ')
		b.WriteString(r.Body)
	}
	return b.String()
}

// Size approximates the content footprint of the request in bytes.
func (r *Request) Size() int {
	n := len(r.Endpoint) + len(r.Body)
	for _, p := range r.Params {
		n += len(p.Key) + len(p.Value) + 2
	}
	return n
}

// ParseQuery splits a raw query string into ordered, decoded parameters.
// Unlike net/url's map form it preserves wire order, which sweep detection
// depends on. Pairs that fail to decode are kept verbatim rather than
// dropped; hostile traffic is exactly where malformed encodings show up.
func ParseQuery(raw string) []Param {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "&")
	params := make([]Param, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value := part, ""
		if i := strings.IndexByte(part, '='); i >= 0 {
			key, value = part[:i], part[i+1:]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		params = append(params, Param{Key: key, Value: value})
	}
	return params
}
