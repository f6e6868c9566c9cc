package httpcodec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// StreamOpener opens a fresh duplex byte channel to the remote peer.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// Transport is an http.RoundTripper that sends each request on its own
// stream. The response body owns the stream and closes it when closed.
type Transport struct {
	Opener StreamOpener
	Parser *Parser
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) parser() *Parser {
	if t.Parser != nil {
		return t.Parser
	}
	return defaultParser
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	stream, err := t.Opener.OpenStream(ctx)
	if err != nil {
		closeRequestBody(req)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	msg := RequestFromHTTP(req)

	// The request body is pumped while the response is read so that a
	// server answering early is not blocked behind an upload.
	writeErr := make(chan error, 1)
	go func() {
		err := WriteMessage(ctx, stream, msg)
		closeRequestBody(req)
		writeErr <- err
	}()

	resp, err := t.parser().ReadResponse(ctx, stream, req.Method)
	if err != nil {
		stream.Close()
		select {
		case werr := <-writeErr:
			if werr != nil {
				return nil, fmt.Errorf("failed to write request: %w", werr)
			}
		default:
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ResponseToHTTP(resp, req, stream), nil
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// RequestFromHTTP converts an outgoing net/http request. The body is
// streamed, not buffered.
func RequestFromHTTP(req *http.Request) *Message {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}

	headers := Headers{}
	if host != "" {
		headers.Add("host", host)
	}
	headers = append(headers, FromHTTPHeader(req.Header)...)

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
		if req.ContentLength > 0 && !headers.Has("content-length") {
			headers.Add("content-length", strconv.FormatInt(req.ContentLength, 10))
		}
	}

	target := "/"
	if req.URL != nil {
		target = req.URL.RequestURI()
	}
	return NewRequest(req.Method, target, headers, body)
}

// RequestToHTTP converts a parsed request into a server-side net/http
// request bound to ctx.
func RequestToHTTP(ctx context.Context, msg *Message) (*http.Request, error) {
	if !msg.IsRequest() {
		return nil, ErrInvalidMessage
	}

	u, err := url.ParseRequestURI(msg.URL)
	if err != nil {
		return nil, malformed("invalid request target %q", msg.URL)
	}
	host := msg.Headers.Get("host")
	if host == "" {
		host = u.Host
	}

	var body io.ReadCloser = http.NoBody
	contentLength := int64(0)
	if b := msg.ParsedBody(); b != nil {
		body = b
		contentLength = -1
		if n, ok, _ := msg.Headers.ContentLength(); ok && !msg.Headers.Chunked() {
			contentLength = n
		}
	}

	proto := msg.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	major, minor, _ := http.ParseHTTPVersion(proto)

	req := &http.Request{
		Method:        msg.Method,
		URL:           u,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        msg.Headers.HTTPHeader(),
		Body:          body,
		ContentLength: contentLength,
		Host:          host,
		RequestURI:    msg.URL,
	}
	if msg.Headers.Chunked() {
		req.TransferEncoding = []string{"chunked"}
		req.Header.Del("Transfer-Encoding")
	}
	return req.WithContext(ctx), nil
}

// ResponseToHTTP converts a parsed response. Closing the returned body
// also closes stream.
func ResponseToHTTP(msg *Message, req *http.Request, stream io.Closer) *http.Response {
	text := msg.StatusText
	if text == "" {
		text = http.StatusText(msg.StatusCode)
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", msg.StatusCode, text),
		StatusCode:    msg.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        msg.Headers.HTTPHeader(),
		Request:       req,
		ContentLength: -1,
	}

	if msg.Headers.Chunked() {
		resp.TransferEncoding = []string{"chunked"}
		resp.Header.Del("Transfer-Encoding")
	} else if n, ok, _ := msg.Headers.ContentLength(); ok {
		resp.ContentLength = n
	}

	if b := msg.ParsedBody(); b != nil {
		resp.Body = &streamBody{Body: b, stream: stream}
	} else {
		resp.ContentLength = 0
		resp.Body = &streamBody{stream: stream}
	}
	return resp
}

// streamBody ties a response body to the stream it arrived on.
type streamBody struct {
	*Body
	stream io.Closer
	once   sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	if b.Body == nil {
		return 0, io.EOF
	}
	return b.Body.Read(p)
}

func (b *streamBody) Close() error {
	var err error
	b.once.Do(func() {
		if b.Body != nil {
			b.Body.Close()
		}
		err = b.stream.Close()
	})
	return err
}
