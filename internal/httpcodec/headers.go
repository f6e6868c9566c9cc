package httpcodec

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Header is a single header field. Name is always lower-case.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of header fields. Names are lower-cased on
// insertion and duplicates are kept in arrival order.
type Headers []Header

// singleValued names must not carry conflicting duplicates.
var singleValued = map[string]bool{
	"host":           true,
	"content-length": true,
}

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	name = strings.ToLower(name)
	for _, f := range h {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in arrival order.
func (h Headers) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, f := range h {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h Headers) Has(name string) bool {
	name = strings.ToLower(name)
	for _, f := range h {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Add appends a field.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: strings.ToLower(name), Value: value})
}

// Set replaces every existing value for name with value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *Headers) Del(name string) {
	name = strings.ToLower(name)
	out := (*h)[:0]
	for _, f := range *h {
		if f.Name != name {
			out = append(out, f)
		}
	}
	*h = out
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// ContentLength returns the declared body length, if any.
func (h Headers) ContentLength() (int64, bool, error) {
	v := h.Get("content-length")
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false, malformed("invalid content-length %q", v)
	}
	return n, true, nil
}

// Chunked reports whether the last transfer coding is chunked.
func (h Headers) Chunked() bool {
	values := h.Values("transfer-encoding")
	if len(values) == 0 {
		return false
	}
	codings := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// HasToken reports whether a comma separated header contains token,
// compared case-insensitively. Used for Connection and Upgrade.
func (h Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// ingest adds a parsed field, enforcing single-valued names.
func (h *Headers) ingest(name, value string) error {
	if singleValued[name] {
		if prev := h.Values(name); len(prev) > 0 {
			if prev[0] != value {
				return malformed("conflicting %s headers", name)
			}
			return nil
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
	return nil
}

// HTTPHeader converts to net/http's canonical map. Host is dropped since
// net/http carries it on the request itself.
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		if f.Name == "host" {
			continue
		}
		out.Add(f.Name, f.Value)
	}
	return out
}

// FromHTTPHeader converts a net/http header map. Map order is not defined,
// so keys are emitted sorted for a stable wire form.
func FromHTTPHeader(hdr http.Header) Headers {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Headers, 0, len(hdr))
	for _, k := range keys {
		for _, v := range hdr[k] {
			out.Add(k, v)
		}
	}
	return out
}
