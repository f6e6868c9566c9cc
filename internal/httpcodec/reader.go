package httpcodec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultMaxHeaderBytes bounds the start line plus header block.
	DefaultMaxHeaderBytes = 64 << 10

	readBufferSize = 16 << 10
)

// Parser reads HTTP/1.1 messages from a byte channel.
type Parser struct {
	// MaxHeaderBytes overrides DefaultMaxHeaderBytes when positive.
	MaxHeaderBytes int
}

var defaultParser = &Parser{}

// ReadMessage parses one message from src with the default parser.
func ReadMessage(ctx context.Context, src io.Reader, expectRequest bool) (*Message, error) {
	return defaultParser.ReadMessage(ctx, src, expectRequest)
}

func ReadRequest(ctx context.Context, src io.Reader) (*Message, error) {
	return defaultParser.ReadRequest(ctx, src)
}

func ReadResponse(ctx context.Context, src io.Reader, requestMethod string) (*Message, error) {
	return defaultParser.ReadResponse(ctx, src, requestMethod)
}

// ReadMessage returns as soon as the header block has been parsed. The body
// is filled lazily as further bytes arrive; cancelling ctx before it is
// drained aborts it and closes src when src is an io.Closer.
func (p *Parser) ReadMessage(ctx context.Context, src io.Reader, expectRequest bool) (*Message, error) {
	return p.read(ctx, src, expectRequest, "")
}

func (p *Parser) ReadRequest(ctx context.Context, src io.Reader) (*Message, error) {
	return p.read(ctx, src, true, "")
}

// ReadResponse parses a response to a request made with requestMethod, so
// that responses to HEAD are known to carry no body.
func (p *Parser) ReadResponse(ctx context.Context, src io.Reader, requestMethod string) (*Message, error) {
	return p.read(ctx, src, false, requestMethod)
}

func (p *Parser) maxHeaderBytes() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (p *Parser) read(ctx context.Context, src io.Reader, expectRequest bool, requestMethod string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	br, ok := src.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(src, readBufferSize)
	}
	closer, _ := src.(io.Closer)

	stop := context.AfterFunc(ctx, func() {
		if closer != nil {
			closer.Close()
		}
	})
	msg, err := p.readHead(br, expectRequest)
	if !stop() {
		return nil, fmt.Errorf("reading message head: %w", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	msg.rest = br

	mode, length, hasBody, err := bodyFraming(msg, requestMethod)
	if err != nil {
		return nil, err
	}
	if hasBody {
		msg.Body = newBody(ctx, br, mode, length, closer)
	}
	return msg, nil
}

func (p *Parser) readHead(br *bufio.Reader, expectRequest bool) (*Message, error) {
	budget := p.maxHeaderBytes()

	var line []byte
	var err error
	for {
		line, err = readLine(br, &budget)
		if err != nil {
			return nil, err
		}
		// Stray CRLFs before the start line are tolerated.
		if len(line) > 0 {
			break
		}
	}

	msg := &Message{}
	if expectRequest {
		err = parseRequestLine(msg, string(line))
	} else {
		err = parseStatusLine(msg, string(line))
	}
	if err != nil {
		return nil, err
	}

	for {
		line, err = readLine(br, &budget)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			return msg, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("obsolete header line folding")
		}

		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return nil, malformed("invalid header line %q", line)
		}
		name := string(line[:i])
		if !isToken(name) {
			return nil, malformed("invalid header name %q", name)
		}
		value := strings.Trim(string(line[i+1:]), " \t")
		if err := msg.Headers.ingest(strings.ToLower(name), value); err != nil {
			return nil, err
		}
	}
}

// readLine reads one CRLF or LF terminated line, charging it to budget.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return nil, malformed("header block too large")
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: channel ended inside header block", ErrIncompleteMessage)
		}
		return nil, err
	}
	line = line[:len(line)-1]
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

func parseRequestLine(msg *Message, line string) error {
	if strings.HasPrefix(line, "HTTP/") {
		return malformed("expected a request, got status line %q", line)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return malformed("invalid request line %q", line)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !isToken(method) {
		return malformed("invalid method %q", method)
	}
	if target == "" {
		return malformed("empty request target")
	}
	if !validProto(proto) {
		return malformed("unsupported protocol %q", proto)
	}
	msg.Method = method
	msg.URL = target
	msg.Proto = proto
	return nil
}

func parseStatusLine(msg *Message, line string) error {
	if !strings.HasPrefix(line, "HTTP/") {
		return malformed("expected a status line, got %q", line)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !validProto(parts[0]) {
		return malformed("invalid status line %q", line)
	}
	if len(parts[1]) != 3 {
		return malformed("invalid status code %q", parts[1])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return malformed("invalid status code %q", parts[1])
	}
	msg.Proto = parts[0]
	msg.StatusCode = code
	if len(parts) == 3 {
		msg.StatusText = parts[2]
	}
	return nil
}

// bodyFraming decides how the body of msg is delimited.
func bodyFraming(msg *Message, requestMethod string) (bodyMode, int64, bool, error) {
	if msg.IsRequest() {
		if noBodyMethod(msg.Method) {
			return 0, 0, false, nil
		}
	} else if noBodyStatus(msg.StatusCode) || requestMethod == http.MethodHead {
		return 0, 0, false, nil
	}

	if msg.Headers.Has("transfer-encoding") {
		if msg.Headers.Chunked() {
			return bodyChunked, 0, true, nil
		}
		if msg.IsRequest() {
			return 0, 0, false, malformed("unsupported transfer-encoding %q", msg.Headers.Get("transfer-encoding"))
		}
		return bodyUntilEOF, 0, true, nil
	}

	n, ok, err := msg.Headers.ContentLength()
	if err != nil {
		return 0, 0, false, err
	}
	if ok {
		return bodySized, n, n > 0, nil
	}

	if msg.IsRequest() {
		return 0, 0, false, nil
	}
	return bodyUntilEOF, 0, true, nil
}

func validProto(proto string) bool {
	return proto == "HTTP/1.1" || proto == "HTTP/1.0"
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return true
}
