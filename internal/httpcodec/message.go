package httpcodec

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// Message is either a request (Method set) or a response (StatusCode set).
type Message struct {
	// Request fields
	Method string
	URL    string
	// Host is the authority sent when URL is in origin form and no host
	// header is set.
	Host string

	// Response fields
	StatusCode int
	StatusText string

	Proto   string
	Headers Headers

	// Body is nil when the message has none. Parsed messages carry a *Body,
	// which can be read exactly once.
	Body io.Reader

	rest *bufio.Reader
}

// NewRequest builds a request message. body may be nil.
func NewRequest(method, url string, headers Headers, body io.Reader) *Message {
	return &Message{
		Method:  strings.ToUpper(method),
		URL:     url,
		Proto:   "HTTP/1.1",
		Headers: headers,
		Body:    body,
	}
}

// NewResponse builds a response message. body may be nil.
func NewResponse(status int, headers Headers, body io.Reader) *Message {
	return &Message{
		StatusCode: status,
		StatusText: http.StatusText(status),
		Proto:      "HTTP/1.1",
		Headers:    headers,
		Body:       body,
	}
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func (m *Message) validate() error {
	if (m.Method == "") == (m.StatusCode == 0) {
		return ErrInvalidMessage
	}
	return nil
}

// ParsedBody returns the lazily filled body of a parsed message, or nil.
func (m *Message) ParsedBody() *Body {
	b, _ := m.Body.(*Body)
	return b
}

// Remaining returns a reader positioned after the message's body on the
// source it was parsed from. After a protocol upgrade this is where the
// new protocol's bytes begin, including any already buffered.
func (m *Message) Remaining() io.Reader {
	if m.rest == nil {
		return eofReader{}
	}
	return m.rest
}

// IsUpgrade reports whether the message asks to switch to protocol.
func (m *Message) IsUpgrade(protocol string) bool {
	return m.Headers.HasToken("connection", "upgrade") &&
		m.Headers.HasToken("upgrade", protocol)
}

// noBodyMethod reports methods that never carry a request body.
func noBodyMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// bodyBearingMethod reports methods whose body may be written verbatim
// when its length is known.
func bodyBearingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// noBodyStatus reports status codes whose responses never carry a body.
func noBodyStatus(code int) bool {
	return (code >= 100 && code < 200) ||
		code == http.StatusNoContent ||
		code == http.StatusResetContent ||
		code == http.StatusNotModified
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
