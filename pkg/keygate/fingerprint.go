package keygate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// DefaultFingerprintHeaders are the header names included in the request
// fingerprint when no allow-list is configured.
var DefaultFingerprintHeaders = []string{"content-type", "content-length"}

// Fingerprint computes a deterministic SHA-256 digest identifying "the
// same logical request". Two requests that differ only in query-parameter
// order, header casing, or trailing path slashes produce the same digest.
//
// The digest input is, joined by newlines:
//
//	uppercased method
//	lowercased path with trailing slashes stripped (root stays "/")
//	query pairs sorted by key then value, re-encoded
//	included headers as a compact JSON object with sorted lowercase keys
//	hex SHA-256 of the raw body bytes
//
// includedHeaders is matched case-insensitively; nil means
// DefaultFingerprintHeaders.
func Fingerprint(method, path, query string, headers map[string]string, body []byte, includedHeaders []string) string {
	if includedHeaders == nil {
		includedHeaders = DefaultFingerprintHeaders
	}

	bodyDigest := sha256.Sum256(body)

	components := []string{
		strings.ToUpper(method),
		canonicalPath(path),
		canonicalQuery(query),
		canonicalHeaders(headers, includedHeaders),
		hex.EncodeToString(bodyDigest[:]),
	}

	sum := sha256.Sum256([]byte(strings.Join(components, "\n")))
	return hex.EncodeToString(sum[:])
}

func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	p := strings.TrimRight(strings.ToLower(path), "/")
	if p == "" {
		// A path of only slashes collapses to the root path rather than
		// the empty string, so "/", "//", "///" all fingerprint alike.
		return "/"
	}
	return p
}

func canonicalQuery(query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}

	// ParseQuery keeps whatever it could parse even when it reports an
	// error; a malformed pair should not make two retries "different".
	values, _ := url.ParseQuery(query)
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func canonicalHeaders(headers map[string]string, included []string) string {
	includedSet := make(map[string]struct{}, len(included))
	for _, name := range included {
		includedSet[strings.ToLower(name)] = struct{}{}
	}

	canonical := make(map[string]string)
	for k, v := range headers {
		lower := strings.ToLower(k)
		if _, ok := includedSet[lower]; ok {
			// Values are preserved exactly; only names are normalized.
			canonical[lower] = v
		}
	}

	// encoding/json writes map keys in sorted order with no extra
	// whitespace, which is exactly the canonical form we need.
	out, _ := json.Marshal(canonical)
	return string(out)
}
