package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// HostnameFromURL returns the hostname a handshake is bound to: the host,
// plus the port unless it is the scheme's default.
func HostnameFromURL(u *url.URL) (string, error) {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrInvalidHostname, u.String())
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[strings.ToLower(u.Scheme)] {
		host += ":" + port
	}
	return host, nil
}

// HostnameFromRequest derives the bound hostname of an incoming request.
func HostnameFromRequest(r *http.Request) (string, error) {
	if r.URL != nil && r.URL.IsAbs() && r.URL.Host != "" {
		return HostnameFromURL(r.URL)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return HostnameFromURL(&url.URL{Scheme: scheme, Host: r.Host})
}
