package httpcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ServeRequest runs handler for one parsed request and writes its response
// to dst. Response bodies are streamed to the peer as the handler writes
// them, chunked unless the handler set Content-Length.
func ServeRequest(ctx context.Context, dst io.Writer, req *Message, handler http.Handler, remoteAddr string) error {
	hreq, err := RequestToHTTP(ctx, req)
	if err != nil {
		resp := NewResponse(http.StatusBadRequest, Headers{{Name: "content-type", Value: "text/plain; charset=utf-8"}}, nil)
		if werr := WriteResponse(ctx, dst, resp, req.Method); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	hreq.RemoteAddr = remoteAddr

	rw := newResponseWriter(ctx, dst, req.Method)
	handler.ServeHTTP(rw, hreq)
	return rw.finish()
}

// responseWriter adapts a stream to http.ResponseWriter. The head is sent
// on the first Write or WriteHeader; the body flows through a pipe into
// WriteResponse.
type responseWriter struct {
	ctx    context.Context
	dst    io.Writer
	method string

	header      http.Header
	status      int
	wroteHeader bool
	pw          *io.PipeWriter
	written     chan error
}

var (
	_ http.ResponseWriter = (*responseWriter)(nil)
	_ http.Flusher        = (*responseWriter)(nil)
)

func newResponseWriter(ctx context.Context, dst io.Writer, method string) *responseWriter {
	return &responseWriter{
		ctx:     ctx,
		dst:     dst,
		method:  method,
		header:  make(http.Header),
		written: make(chan error, 1),
	}
}

func (rw *responseWriter) Header() http.Header {
	return rw.header
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code

	msg := NewResponse(code, FromHTTPHeader(rw.header), nil)
	var pr *io.PipeReader
	if !noBodyStatus(code) && rw.method != http.MethodHead {
		pr, rw.pw = io.Pipe()
		msg.Body = pr
	}

	go func() {
		err := WriteResponse(rw.ctx, rw.dst, msg, rw.method)
		if pr != nil {
			// Unblock handler writes past a declared Content-Length.
			if err != nil {
				pr.CloseWithError(err)
			} else {
				pr.Close()
			}
		}
		rw.written <- err
	}()
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.pw == nil {
		return 0, http.ErrBodyNotAllowed
	}
	return rw.pw.Write(p)
}

// Flush is a no-op: every chunk is flushed as soon as it is written.
func (rw *responseWriter) Flush() {}

func (rw *responseWriter) finish() error {
	if !rw.wroteHeader {
		if rw.header.Get("Content-Length") == "" {
			rw.header.Set("Content-Length", "0")
		}
		rw.WriteHeader(http.StatusOK)
	}
	if rw.pw != nil {
		rw.pw.Close()
	}
	if err := <-rw.written; err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
