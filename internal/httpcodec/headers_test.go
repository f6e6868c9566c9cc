package httpcodec

import (
	"errors"
	"net/http"
	"testing"
)

func TestHeadersCaseInsensitive(t *testing.T) {
	var h Headers
	h.Add("Content-Type", "text/plain")
	h.Add("X-Multi", "1")
	h.Add("x-multi", "2")

	if h[0].Name != "content-type" {
		t.Errorf("Expected lower-cased name, got %s", h[0].Name)
	}
	if h.Get("CONTENT-TYPE") != "text/plain" {
		t.Errorf("Expected text/plain, got %s", h.Get("CONTENT-TYPE"))
	}
	if got := h.Values("X-MULTI"); len(got) != 2 {
		t.Errorf("Expected 2 values, got %v", got)
	}

	h.Set("x-multi", "3")
	if got := h.Values("x-multi"); len(got) != 1 || got[0] != "3" {
		t.Errorf("Expected Set to replace values, got %v", got)
	}

	h.Del("X-Multi")
	if h.Has("x-multi") {
		t.Error("Expected Del to remove header")
	}
}

func TestHeadersTokens(t *testing.T) {
	h := Headers{
		{Name: "connection", Value: "keep-alive, Upgrade"},
		{Name: "upgrade", Value: "WebSocket"},
		{Name: "transfer-encoding", Value: "gzip, chunked"},
	}

	if !h.HasToken("Connection", "upgrade") {
		t.Error("Expected connection to contain upgrade")
	}
	if !h.HasToken("upgrade", "websocket") {
		t.Error("Expected upgrade to contain websocket")
	}
	if h.HasToken("connection", "close") {
		t.Error("Did not expect connection to contain close")
	}
	if !h.Chunked() {
		t.Error("Expected chunked to be the final coding")
	}
}

func TestHeadersContentLength(t *testing.T) {
	tests := []struct {
		value   string
		want    int64
		present bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"0", 0, true, false},
		{"12345", 12345, true, false},
		{"abc", 0, false, true},
		{"-5", 0, false, true},
	}

	for _, tt := range tests {
		var h Headers
		if tt.value != "" {
			h.Add("content-length", tt.value)
		}
		n, ok, err := h.ContentLength()
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: expected error=%v, got %v", tt.value, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%q: expected ErrMalformedMessage, got %v", tt.value, err)
		}
		if n != tt.want || ok != tt.present {
			t.Errorf("%q: expected (%d, %v), got (%d, %v)", tt.value, tt.want, tt.present, n, ok)
		}
	}
}

func TestHeadersHTTPConversion(t *testing.T) {
	hdr := http.Header{}
	hdr.Add("B-Header", "2")
	hdr.Add("A-Header", "1")
	hdr.Add("A-Header", "1b")

	h := FromHTTPHeader(hdr)
	want := Headers{
		{Name: "a-header", Value: "1"},
		{Name: "a-header", Value: "1b"},
		{Name: "b-header", Value: "2"},
	}
	if len(h) != len(want) {
		t.Fatalf("Expected %d headers, got %v", len(want), h)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Errorf("Header %d: expected %v, got %v", i, want[i], h[i])
		}
	}

	h.Add("host", "example.com")
	back := h.HTTPHeader()
	if back.Get("Host") != "" {
		t.Error("Host must not be copied into http.Header")
	}
	if len(back["A-Header"]) != 2 {
		t.Errorf("Expected 2 A-Header values, got %v", back["A-Header"])
	}
}
