// Package signals turns a raw inbound request into the normalized RequestSignals
// record every other perimeter component consumes. Extraction performs no I/O and
// never fails: anything malformed becomes a signal instead of an error.
package signals

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/Wikid82/perimeter/internal/models"
)

// StandardHeaders are expected on requests from ordinary browsers and SDKs.
// Their absence raises the signature score.
var StandardHeaders = []string{"user-agent", "accept", "accept-language", "accept-encoding"}

var knownMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {},
	http.MethodConnect: {}, http.MethodTrace: {},
}

// RawRequest is what the hosting framework hands the engine for every request.
type RawRequest struct {
	IP        string
	Path      string
	RawQuery  string
	Method    string
	Headers   http.Header
	SessionID string
}

// RequestSignals is the per-request record produced by Extract. It is never persisted as-is.
type RequestSignals struct {
	IP          string
	SessionID   string
	UserID      string
	IdentityKey string
	Path        string
	// DecodedPath is Path (and query) with percent-encoding removed, for pattern matching.
	DecodedPath    string
	RawQuery       string
	Method         string
	Headers        map[string]string
	UserAgent      string
	Tier           models.Tier
	Authenticated  bool
	Timestamp      time.Time
	MissingHeaders []string
	Malformed      bool
	MalformedWhy   []string
}

// FromHTTP builds a RawRequest from a net/http request. clientIP should come from
// the framework's proxy-aware resolution; when empty RemoteAddr is used.
func FromHTTP(r *http.Request, clientIP, sessionCookie string) RawRequest {
	raw := RawRequest{
		IP:      clientIP,
		Method:  r.Method,
		Headers: r.Header,
	}
	if r.URL != nil {
		raw.Path = r.URL.Path
		raw.RawQuery = r.URL.RawQuery
	}
	if raw.IP == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		raw.IP = host
	}
	if sessionCookie != "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			raw.SessionID = c.Value
		}
	}
	if raw.SessionID == "" {
		raw.SessionID = r.Header.Get("X-Session-ID")
	}
	return raw
}

// Extract normalizes a raw request. The identity key is the session for
// authenticated traffic carrying one, otherwise the client IP.
func Extract(raw RawRequest, id models.Identity, now time.Time) RequestSignals {
	sig := RequestSignals{
		SessionID:     strings.TrimSpace(raw.SessionID),
		UserID:        id.UserID,
		Path:          raw.Path,
		RawQuery:      raw.RawQuery,
		Method:        strings.ToUpper(strings.TrimSpace(raw.Method)),
		Headers:       make(map[string]string, len(raw.Headers)),
		Tier:          id.Tier,
		Authenticated: id.Authenticated(),
		Timestamp:     now,
	}
	if !sig.Tier.Valid() {
		sig.Tier = models.TierGuest
	}

	for k, v := range raw.Headers {
		if len(v) == 0 {
			continue
		}
		sig.Headers[strings.ToLower(k)] = v[0]
	}
	sig.UserAgent = sig.Headers["user-agent"]

	for _, h := range StandardHeaders {
		if strings.TrimSpace(sig.Headers[h]) == "" {
			sig.MissingHeaders = append(sig.MissingHeaders, h)
		}
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(raw.IP))
	if err != nil {
		sig.IP = strings.TrimSpace(raw.IP)
		sig.markMalformed("unparsable_ip")
	} else {
		sig.IP = addr.Unmap().String()
	}

	if sig.Path == "" || !strings.HasPrefix(sig.Path, "/") {
		sig.markMalformed("invalid_path")
	}
	if _, ok := knownMethods[sig.Method]; !ok {
		sig.markMalformed("unknown_method")
	}

	sig.DecodedPath = decode(sig.Path)
	if sig.RawQuery != "" {
		sig.DecodedPath += "?" + decode(sig.RawQuery)
	}

	switch {
	case sig.Authenticated && sig.SessionID != "":
		sig.IdentityKey = "sess:" + sig.SessionID
	case sig.IP != "":
		sig.IdentityKey = "ip:" + sig.IP
	default:
		sig.IdentityKey = "ip:unknown"
	}

	return sig
}

func (s *RequestSignals) markMalformed(why string) {
	s.Malformed = true
	s.MalformedWhy = append(s.MalformedWhy, why)
}

// decode unescapes up to two rounds of percent-encoding so double-encoded
// traversal sequences are still visible to signature matching.
func decode(s string) string {
	out := s
	for i := 0; i < 2; i++ {
		next, err := url.PathUnescape(out)
		if err != nil || next == out {
			break
		}
		out = next
	}
	return out
}
