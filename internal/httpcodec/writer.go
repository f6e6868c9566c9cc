package httpcodec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	writeBufferSize = 16 << 10

	// chunkSize is the largest body unit framed as a single chunk.
	chunkSize = 32 << 10
)

// WriteMessage serializes msg onto dst. Host (from the URL authority, else
// msg.Host) and Connection: close are injected when absent. A body is
// written verbatim when its Content-Length is known (requests: POST, PUT
// and PATCH only), otherwise chunked.
func WriteMessage(ctx context.Context, dst io.Writer, msg *Message) error {
	return writeMessage(ctx, dst, msg, "")
}

// WriteResponse writes a response to a request made with requestMethod.
// Responses to HEAD never carry a body.
func WriteResponse(ctx context.Context, dst io.Writer, msg *Message, requestMethod string) error {
	return writeMessage(ctx, dst, msg, requestMethod)
}

func writeMessage(ctx context.Context, dst io.Writer, msg *Message, requestMethod string) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if closer, ok := dst.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	headers := msg.Headers.Clone()
	var startLine string
	var sendBody bool

	if msg.IsRequest() {
		target, host, err := requestTarget(msg.URL)
		if err != nil {
			return err
		}
		if host == "" {
			host = msg.Host
		}
		// An empty value is the valid form when there is no authority.
		if !headers.Has("host") {
			headers = append(Headers{{Name: "host", Value: host}}, headers...)
		}
		startLine = fmt.Sprintf("%s %s HTTP/1.1\r\n", msg.Method, target)
		sendBody = msg.Body != nil && !noBodyMethod(msg.Method)
	} else {
		text := msg.StatusText
		if text == "" {
			text = http.StatusText(msg.StatusCode)
		}
		startLine = fmt.Sprintf("HTTP/1.1 %03d %s\r\n", msg.StatusCode, text)
		bodyAllowed := !noBodyStatus(msg.StatusCode) && requestMethod != http.MethodHead
		sendBody = msg.Body != nil && bodyAllowed
		if bodyAllowed && msg.Body == nil && !headers.Has("content-length") && !headers.Has("transfer-encoding") {
			headers.Add("content-length", "0")
		}
	}

	if !headers.Has("connection") {
		headers.Add("connection", "close")
	}

	length, hasLength, err := headers.ContentLength()
	if err != nil {
		return err
	}
	verbatim := sendBody && hasLength && (!msg.IsRequest() || bodyBearingMethod(msg.Method))
	chunked := sendBody && !verbatim
	if chunked {
		headers.Del("content-length")
		if !headers.Chunked() {
			headers.Del("transfer-encoding")
			headers.Add("transfer-encoding", "chunked")
		}
	}

	bw := bufio.NewWriterSize(dst, writeBufferSize)
	bw.WriteString(startLine)
	for _, h := range headers {
		bw.WriteString(h.Name)
		bw.WriteString(": ")
		bw.WriteString(h.Value)
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")

	switch {
	case verbatim:
		n, err := io.CopyN(bw, msg.Body, length)
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to write body: %w", err)
		}
		if n != length {
			return fmt.Errorf("%w: wrote %d of %d bytes", ErrBodyLength, n, length)
		}
	case chunked:
		if err := writeChunked(ctx, bw, msg.Body); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// writeChunked pulls body units from src and frames each as one chunk,
// flushing after every unit so the peer sees data as it is produced.
func writeChunked(ctx context.Context, bw *bufio.Writer, src io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			bw.WriteString(strconv.FormatInt(int64(n), 16))
			bw.WriteString("\r\n")
			bw.Write(buf[:n])
			bw.WriteString("\r\n")
			if ferr := bw.Flush(); ferr != nil {
				return fmt.Errorf("failed to write chunk: %w", ferr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
	}
	bw.WriteString("0\r\n\r\n")
	return nil
}

// requestTarget splits a request URL into the origin-form target and the
// authority to use for Host.
func requestTarget(raw string) (target, host string, err error) {
	if raw == "" {
		return "/", "", nil
	}
	if raw[0] == '/' || raw == "*" {
		return raw, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", "", fmt.Errorf("%w: invalid request URL %q", ErrInvalidMessage, raw)
	}
	return u.RequestURI(), u.Host, nil
}
