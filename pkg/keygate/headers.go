package keygate

import "strings"

// Headers injected on every response that passed through the state
// machine with a key present.
const (
	ReplayHeader = "Idempotent-Replay"
	KeyHeader    = "Idempotency-Key"
)

// volatileHeaders are always stripped from replayed responses; they
// describe the original transport exchange, not the cached result.
var volatileHeaders = map[string]struct{}{
	"date":                {},
	"server":              {},
	"connection":          {},
	"transfer-encoding":   {},
	"keep-alive":          {},
	"trailer":             {},
	"upgrade":             {},
	"proxy-connection":    {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
}

// optionalVolatileHeaders are additionally stripped when cookie removal
// is requested.
var optionalVolatileHeaders = map[string]struct{}{
	"set-cookie":    {},
	"age":           {},
	"expires":       {},
	"etag":          {},
	"last-modified": {},
}

// FilterResponseHeaders removes volatile headers, matching names
// case-insensitively. removeCookies additionally strips the cookie and
// cache-validator set; additional names are stripped on top of both.
func FilterResponseHeaders(headers map[string]string, removeCookies bool, additional []string) map[string]string {
	extra := make(map[string]struct{}, len(additional))
	for _, name := range additional {
		extra[strings.ToLower(name)] = struct{}{}
	}

	filtered := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if _, ok := volatileHeaders[lower]; ok {
			continue
		}
		if removeCookies {
			if _, ok := optionalVolatileHeaders[lower]; ok {
				continue
			}
		}
		if _, ok := extra[lower]; ok {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

// AddReplayHeaders returns a copy of headers with the replay indicator
// and the key echo set. Both overwrite any same-named header already
// present, regardless of its casing.
func AddReplayHeaders(headers map[string]string, key string, isReplay bool) map[string]string {
	result := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		lower := strings.ToLower(k)
		if lower == strings.ToLower(ReplayHeader) || lower == strings.ToLower(KeyHeader) {
			continue
		}
		result[k] = v
	}
	if isReplay {
		result[ReplayHeader] = "true"
	} else {
		result[ReplayHeader] = "false"
	}
	result[KeyHeader] = key
	return result
}

// HeaderValue looks a header up case-insensitively.
func HeaderValue(headers map[string]string, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}

// MergeHeaders merges header maps case-insensitively; later maps win and
// their casing is kept.
func MergeHeaders(maps ...map[string]string) map[string]string {
	canonical := make(map[string]string)
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			lower := strings.ToLower(k)
			if old, ok := canonical[lower]; ok && old != k {
				delete(result, old)
			}
			canonical[lower] = k
			result[k] = v
		}
	}
	return result
}
