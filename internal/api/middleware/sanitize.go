package middleware

import (
	"net/http"
	"strings"

	"github.com/Wikid82/perimeter/internal/util"
)

const maxLoggedValue = 200

// headers never written to logs; session and admin credentials included
var sensitiveHeaders = map[string]struct{}{
	"authorization":             {},
	"proxy-authorization":       {},
	"cookie":                    {},
	"set-cookie":                {},
	"x-api-key":                 {},
	"x-auth-token":              {},
	"x-admin-token":             {},
	"x-session-id":              {},
	"x-perimeter-session-token": {},
	"x-forwarded-for":           {},
}

// SanitizeHeaders returns a copy of h safe for logging.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, util.SanitizeAndTruncate(v, maxLoggedValue))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath strips the query and control characters from a request path.
func SanitizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i != -1 {
		p = p[:i]
	}
	return util.SanitizeAndTruncate(p, maxLoggedValue)
}
