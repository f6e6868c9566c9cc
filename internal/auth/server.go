package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/shared/logging"
)

// DefaultTokenTTL bounds bearer tokens and opaque handshake state.
const DefaultTokenTTL = time.Hour

// Outcomes passed to a Recorder.
const (
	OutcomeBearer    = "bearer"
	OutcomeHandshake = "handshake"
	OutcomeChallenge = "challenge"
	OutcomeRejected  = "rejected"
)

// Recorder observes authentication outcomes.
type Recorder interface {
	RecordAuth(outcome string)
}

// Result is the outcome of authenticating one request. Header holds the
// WWW-Authenticate (401) or Authentication-Info (200) to send back.
type Result struct {
	Status int
	Header http.Header
	Peer   peer.ID
	Err    error
}

// ServerPeerIDAuth authenticates clients by peer ID. Used as an
// http.Handler it answers handshake legs itself and passes requests
// carrying a valid bearer token to Next.
type ServerPeerIDAuth struct {
	PrivKey crypto.PrivKey

	// Hostnames lists the hostnames clients may bind to. ValidHostname,
	// when set, is consulted instead. With neither set any hostname is
	// accepted.
	Hostnames     []string
	ValidHostname func(hostname string) bool

	TokenTTL time.Duration
	Next     http.Handler

	Logger  *logging.Logger
	Metrics Recorder
	Now     func() time.Time

	initOnce  sync.Once
	initErr   error
	hostnames map[string]bool
	pubKey    []byte
}

func (a *ServerPeerIDAuth) init() error {
	a.initOnce.Do(func() {
		if a.PrivKey == nil {
			a.initErr = errors.New("server auth has no private key")
			return
		}
		a.pubKey, a.initErr = marshalPublicKey(a.PrivKey.GetPublic())
		a.hostnames = make(map[string]bool, len(a.Hostnames))
		for _, h := range a.Hostnames {
			a.hostnames[strings.ToLower(h)] = true
		}
		if a.Logger == nil {
			a.Logger = defaultLogger
		}
	})
	return a.initErr
}

func (a *ServerPeerIDAuth) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *ServerPeerIDAuth) ttl() time.Duration {
	if a.TokenTTL > 0 {
		return a.TokenTTL
	}
	return DefaultTokenTTL
}

func (a *ServerPeerIDAuth) validHostname(hostname string) bool {
	if a.ValidHostname != nil {
		return a.ValidHostname(hostname)
	}
	return len(a.hostnames) == 0 || a.hostnames[hostname]
}

// AuthenticateRequest runs one step of the server side of the protocol
// for a request addressed to hostname.
func (a *ServerPeerIDAuth) AuthenticateRequest(hostname, authorization string) Result {
	if err := a.init(); err != nil {
		return a.reject(http.StatusInternalServerError, err)
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" || !a.validHostname(hostname) {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: %q", ErrInvalidHostname, hostname))
	}
	if strings.TrimSpace(authorization) == "" {
		return a.challenge(hostname, ErrMissingAuthHeader)
	}
	if len(authorization) > MaxAuthHeaderSize {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, MaxAuthHeaderSize))
	}

	if token, ok := parseBearer(authorization); ok {
		id, err := a.unwrapBearer(hostname, token)
		if err != nil {
			a.Logger.Debug("Bearer token rejected", "hostname", hostname, "error", err)
			return a.challenge(hostname, err)
		}
		a.record(OutcomeBearer)
		return Result{Status: http.StatusOK, Peer: id}
	}

	p, err := parseHeader(authorization)
	if err != nil {
		return a.reject(http.StatusBadRequest, err)
	}

	if p["opaque"] != "" {
		return a.completeHandshake(hostname, p)
	}
	if p["challenge-server"] != "" {
		return a.answerChallenge(hostname, p)
	}
	return a.challenge(hostname, nil)
}

// completeHandshake verifies the client's signature over the challenge
// carried in the opaque value and mints a bearer token.
func (a *ServerPeerIDAuth) completeHandshake(hostname string, p params) Result {
	var state opaqueState
	if err := openBox(a.PrivKey.GetPublic(), opaquePrefix, p["opaque"], &state); err != nil {
		return a.reject(http.StatusBadRequest, err)
	}
	if state.Hostname != hostname {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: opaque bound to %q", ErrInvalidHostname, state.Hostname))
	}
	if expired(state.CreatedAt, a.now(), a.ttl()) {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: handshake state", ErrTokenExpired))
	}

	clientKeyBytes := state.ClientPublicKey
	if pk := p["public-key"]; len(clientKeyBytes) == 0 && pk != "" {
		var err error
		if _, clientKeyBytes, err = decodePublicKey(pk); err != nil {
			return a.reject(http.StatusBadRequest, err)
		}
	}
	if len(clientKeyBytes) == 0 {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: missing public-key", ErrMalformedHeader))
	}
	clientKey, err := crypto.UnmarshalPublicKey(clientKeyBytes)
	if err != nil {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: invalid public-key: %w", ErrMalformedHeader, err))
	}

	sig, err := encoding.DecodeString(p["sig"])
	if err != nil || len(sig) == 0 {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: missing or invalid sig", ErrMalformedHeader))
	}
	err = verify(clientKey, PeerIDAuthScheme, []field{
		stringField("challenge-client", state.ChallengeClient),
		stringField("hostname", hostname),
		{name: "server-public-key", value: a.pubKey},
	}, sig)
	if err != nil {
		return a.reject(http.StatusBadRequest, err)
	}

	id, err := peer.IDFromPublicKey(clientKey)
	if err != nil {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: %w", ErrInvalidPeer, err))
	}

	token, err := sealBox(a.PrivKey, bearerPrefix, bearerToken{
		Peer:      id.String(),
		Hostname:  hostname,
		CreatedAt: a.now(),
	})
	if err != nil {
		return a.reject(http.StatusInternalServerError, err)
	}

	info := params{"bearer": token}
	// Server-initiated flow: the client's challenge arrives on this leg.
	if cs := p["challenge-server"]; cs != "" {
		serverSig, err := a.signChallenge(cs, clientKeyBytes, hostname)
		if err != nil {
			return a.reject(http.StatusInternalServerError, err)
		}
		info["sig"] = encoding.EncodeToString(serverSig)
	}

	a.record(OutcomeHandshake)
	a.Logger.Info("Client authenticated", "peer", id, "hostname", hostname)

	header := http.Header{}
	header.Set("Authentication-Info", formatHeader(info))
	return Result{Status: http.StatusOK, Header: header, Peer: id}
}

// answerChallenge is the first leg of a client-initiated handshake: the
// server proves its identity and issues its own challenge.
func (a *ServerPeerIDAuth) answerChallenge(hostname string, p params) Result {
	pk := p["public-key"]
	if pk == "" {
		return a.reject(http.StatusBadRequest, fmt.Errorf("%w: challenge-server without public-key", ErrMalformedHeader))
	}
	_, clientKeyBytes, err := decodePublicKey(pk)
	if err != nil {
		return a.reject(http.StatusBadRequest, err)
	}

	sig, err := a.signChallenge(p["challenge-server"], clientKeyBytes, hostname)
	if err != nil {
		return a.reject(http.StatusInternalServerError, err)
	}

	return a.challengeWith(hostname, clientKeyBytes, params{"sig": encoding.EncodeToString(sig)})
}

func (a *ServerPeerIDAuth) signChallenge(challenge string, clientKey []byte, hostname string) ([]byte, error) {
	return sign(a.PrivKey, PeerIDAuthScheme, []field{
		stringField("challenge-server", challenge),
		{name: "client-public-key", value: clientKey},
		stringField("hostname", hostname),
	})
}

// challenge answers 401 with a fresh challenge-client and opaque state.
func (a *ServerPeerIDAuth) challenge(hostname string, cause error) Result {
	res := a.challengeWith(hostname, nil, nil)
	if res.Status == http.StatusUnauthorized {
		res.Err = cause
	}
	return res
}

func (a *ServerPeerIDAuth) challengeWith(hostname string, clientKey []byte, extra params) Result {
	challenge, err := newChallenge()
	if err != nil {
		return a.reject(http.StatusInternalServerError, err)
	}
	opaque, err := sealBox(a.PrivKey, opaquePrefix, opaqueState{
		ChallengeClient: challenge,
		ClientPublicKey: clientKey,
		Hostname:        hostname,
		CreatedAt:       a.now(),
	})
	if err != nil {
		return a.reject(http.StatusInternalServerError, err)
	}

	p := params{
		"challenge-client": challenge,
		"public-key":       encoding.EncodeToString(a.pubKey),
		"opaque":           opaque,
	}
	for k, v := range extra {
		p[k] = v
	}

	a.record(OutcomeChallenge)
	header := http.Header{}
	header.Set("WWW-Authenticate", formatHeader(p))
	return Result{Status: http.StatusUnauthorized, Header: header}
}

func (a *ServerPeerIDAuth) unwrapBearer(hostname, token string) (peer.ID, error) {
	var tok bearerToken
	if err := openBox(a.PrivKey.GetPublic(), bearerPrefix, token, &tok); err != nil {
		return "", err
	}
	if tok.Hostname != hostname {
		return "", fmt.Errorf("%w: token bound to %q", ErrInvalidHostname, tok.Hostname)
	}
	if expired(tok.CreatedAt, a.now(), a.ttl()) {
		return "", ErrTokenExpired
	}
	id, err := peer.Decode(tok.Peer)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPeer, err)
	}
	return id, nil
}

func (a *ServerPeerIDAuth) reject(status int, err error) Result {
	a.record(OutcomeRejected)
	if a.Logger != nil {
		a.Logger.Debug("Authentication rejected", "status", status, "error", err)
	}
	return Result{Status: status, Err: err}
}

func (a *ServerPeerIDAuth) record(outcome string) {
	if a.Metrics != nil {
		a.Metrics.RecordAuth(outcome)
	}
}

// ServeHTTP authenticates r. Handshake legs and failures are answered
// here; bearer-authenticated requests reach Next with the peer in the
// request context.
func (a *ServerPeerIDAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostname, err := HostnameFromRequest(r)
	if err != nil {
		a.reject(http.StatusBadRequest, err)
		http.Error(w, "invalid hostname", http.StatusBadRequest)
		return
	}

	res := a.AuthenticateRequest(hostname, r.Header.Get("Authorization"))
	for k, v := range res.Header {
		w.Header()[k] = v
	}

	if res.Status != http.StatusOK {
		w.WriteHeader(res.Status)
		return
	}
	if res.Header.Get("Authentication-Info") != "" || a.Next == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	a.Next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), res.Peer)))
}

var defaultLogger = logging.NewLogger("auth")
