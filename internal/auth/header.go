package auth

import (
	"fmt"
	"sort"
	"strings"
)

// MaxAuthHeaderSize caps the auth headers this package will parse.
const MaxAuthHeaderSize = 4096

// params are the key="value" pairs of a libp2p-PeerID header.
type params map[string]string

// formatHeader renders params after the scheme, keys sorted, values quoted.
func formatHeader(p params) string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(PeerIDAuthScheme)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `%s="%s"`, k, p[k])
	}
	return b.String()
}

// parseHeader parses a libp2p-PeerID header. Values may be quoted or bare
// tokens; duplicate keys are rejected.
func parseHeader(v string) (params, error) {
	if len(v) > MaxAuthHeaderSize {
		return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, MaxAuthHeaderSize)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, ErrMissingAuthHeader
	}
	scheme, rest, _ := strings.Cut(v, " ")
	if !strings.EqualFold(scheme, PeerIDAuthScheme) {
		return nil, fmt.Errorf("%w: unexpected scheme %q", ErrMalformedHeader, scheme)
	}

	p := params{}
	rest = strings.TrimSpace(rest)
	for rest != "" {
		name, after, ok := strings.Cut(rest, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: expected name=value", ErrMalformedHeader)
		}

		var value string
		if strings.HasPrefix(after, `"`) {
			end := strings.IndexByte(after[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated value for %s", ErrMalformedHeader, name)
			}
			value = after[1 : end+1]
			after = after[end+2:]
		} else {
			value, after, _ = strings.Cut(after, ",")
			value = strings.TrimSpace(value)
			after = "," + after
		}

		if _, dup := p[name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrMalformedHeader, name)
		}
		p[name] = value

		after = strings.TrimSpace(after)
		if after != "" && !strings.HasPrefix(after, ",") {
			return nil, fmt.Errorf("%w: expected comma after %s", ErrMalformedHeader, name)
		}
		rest = strings.TrimSpace(strings.TrimPrefix(after, ","))
	}
	return p, nil
}

// parseBearer extracts the token from "libp2p-Bearer <token>".
func parseBearer(v string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, BearerAuthScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func bearerHeader(token string) string {
	return BearerAuthScheme + " " + token
}
