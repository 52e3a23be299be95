// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/jsonrpc/jsoncodec"
)

const (
	// Protocol names the RPC protocol spoken by this transport.
	Protocol = "jsonrpc"

	// ContentType is the media type of the JSON-RPC envelope.
	ContentType = "application/json"

	defaultTimeout          = 60 * time.Second
	defaultKeepAliveTimeout = 30 * time.Second
)

// Identifier and message types are defined by the codec; they are
// aliased here so that callers of the transport need not import
// both packages.
type (
	ObjectID    = jsoncodec.ObjectID
	TypeID      = jsoncodec.TypeID
	MessageType = jsoncodec.MessageType
)

const (
	Request      = jsoncodec.Request
	Notification = jsoncodec.Notification
	Event        = jsoncodec.Event
)

// AuthMode is the HTTP authentication mode used for exchanges.
type AuthMode int

const (
	// AuthNone performs no authentication.
	AuthNone AuthMode = iota
	// AuthBasic sends HTTP Basic credentials with every request,
	// without waiting for a challenge.
	AuthBasic
	// AuthDigest answers an HTTP Digest challenge from the server.
	AuthDigest
	// AuthAny answers whichever challenge the server sends, Basic
	// or Digest.
	AuthAny
)

func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	case AuthDigest:
		return "digest"
	case AuthAny:
		return "any"
	}
	return "unknown"
}

// needsChallenge reports whether the mode can only authenticate by
// answering a server challenge, which requires reading a response.
func (m AuthMode) needsChallenge() bool {
	return m == AuthDigest || m == AuthAny
}

type exchangeState int

const (
	stateIdle exchangeState = iota
	statePreparing
	stateSending
	stateAwaitingResponse
)

// exchange carries the transient state of one in-flight call. It
// exists only between a Begin call and the completion of the
// matching send (plus EndRequest for two-way calls) and is never
// reused.
type exchange struct {
	oid   ObjectID
	tid   TypeID
	name  string
	mtype MessageType
	id    uint64

	// body stages the serialized message so that the request can
	// be sent with a known length and re-issued once for a digest
	// challenge.
	body *bytes.Buffer
	gz   *gzip.Writer
	ser  *jsoncodec.Serializer

	deser    *jsoncodec.Deserializer
	teardown bool
}

// Transport carries JSON-RPC 2.0 calls and notifications over HTTP
// POST exchanges to a single endpoint. Exchanges are strictly
// sequential: a Transport must not be used concurrently without
// external synchronization.
type Transport struct {
	pool   *SessionPool
	logger loggo.Logger

	endpoint    *url.URL
	endpointRaw string
	session     *Session

	authMode  AuthMode
	username  string
	password  string
	userAgent string
	chunked   bool
	compress  bool
	keepAlive bool
	timeout   time.Duration
	proxy     ProxyConfig
	cookies   CookieStore

	nextID uint64
	state  exchangeState
	exch   *exchange
}

// Option configures a Transport.
type Option func(*Transport)

// WithSessionPool sets the pool the transport acquires sessions
// from. Transports sharing a pool share connection reuse.
func WithSessionPool(pool *SessionPool) Option {
	return func(t *Transport) {
		t.pool = pool
	}
}

// WithCookieStore sets the store consulted before each request and
// updated after each response.
func WithCookieStore(store CookieStore) Option {
	return func(t *Transport) {
		t.cookies = store
	}
}

// WithLogger sets the logger used by the transport.
func WithLogger(l loggo.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithUserAgent sets the User-Agent header sent with each request.
func WithUserAgent(agent string) Option {
	return func(t *Transport) {
		t.userAgent = agent
	}
}

// NewTransport creates a Transport for JSON-RPC 2.0. Chunked
// transfer encoding is enabled and compression disabled by default.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		pool:      DefaultPool,
		logger:    logger,
		chunked:   true,
		keepAlive: true,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect parses and stores the endpoint and binds a session for
// it. No network connection is opened until the first exchange.
// Connecting again to the same endpoint is a no-op; connecting to a
// different endpoint first disconnects.
func (t *Transport) Connect(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return configErrorf("invalid endpoint %q: %v", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configErrorf("invalid endpoint %q: expected an absolute http or https URI", endpoint)
	}
	if t.endpoint != nil {
		if t.endpointRaw == endpoint {
			return nil
		}
		t.Disconnect()
	}
	session, err := t.pool.Session(SessionConfig{
		Endpoint:         u,
		Proxy:            t.proxy,
		Timeout:          t.timeout,
		KeepAlive:        t.keepAlive,
		KeepAliveTimeout: defaultKeepAliveTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	t.endpoint = u
	t.endpointRaw = endpoint
	t.session = session
	return nil
}

// Disconnect releases the session. It is a no-op when already
// disconnected. Any exchange in progress is abandoned.
func (t *Transport) Disconnect() {
	t.exch = nil
	t.state = stateIdle
	t.endpoint = nil
	t.endpointRaw = ""
	t.session = nil
}

// Connected reports whether an endpoint has been set. A live socket
// need not exist: connections are established lazily per exchange.
func (t *Transport) Connected() bool {
	return t.endpoint != nil
}

// Endpoint returns the endpoint the transport is connected to, or
// the empty string when disconnected.
func (t *Transport) Endpoint() string {
	return t.endpointRaw
}

func (t *Transport) requireSession() (*Session, error) {
	if t.session == nil {
		return nil, illegalStateErrorf("transport is not connected")
	}
	return t.session, nil
}

// Timeout returns the exchange timeout. The transport must be
// connected.
func (t *Transport) Timeout() (time.Duration, error) {
	s, err := t.requireSession()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return s.Timeout(), nil
}

// SetTimeout sets the exchange timeout, effective from the next
// exchange. The transport must be connected.
func (t *Transport) SetTimeout(d time.Duration) error {
	s, err := t.requireSession()
	if err != nil {
		return errors.Trace(err)
	}
	t.timeout = d
	s.SetTimeout(d)
	return nil
}

// KeepAliveEnabled reports whether HTTP/1.1 persistent connections
// are enabled. The transport must be connected.
func (t *Transport) KeepAliveEnabled() (bool, error) {
	s, err := t.requireSession()
	if err != nil {
		return false, errors.Trace(err)
	}
	return s.KeepAlive(), nil
}

// EnableKeepAlive enables or disables HTTP/1.1 persistent
// connections. The transport must be connected.
func (t *Transport) EnableKeepAlive(enable bool) error {
	s, err := t.requireSession()
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.SetKeepAlive(enable); err != nil {
		return errors.Trace(err)
	}
	t.keepAlive = enable
	return nil
}

// KeepAliveTimeout returns the idle timeout for persistent
// connections. The transport must be connected.
func (t *Transport) KeepAliveTimeout() (time.Duration, error) {
	s, err := t.requireSession()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return s.KeepAliveTimeout(), nil
}

// SetKeepAliveTimeout sets the idle timeout for persistent
// connections. The transport must be connected.
func (t *Transport) SetKeepAliveTimeout(d time.Duration) error {
	s, err := t.requireSession()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.SetKeepAliveTimeout(d))
}

// ChunkedTransferEncodingEnabled reports whether requests use
// chunked transfer encoding, which is the default.
func (t *Transport) ChunkedTransferEncodingEnabled() bool {
	return t.chunked
}

// EnableChunkedTransferEncoding enables or disables chunked
// transfer encoding for requests, effective from the next exchange.
// Chunked transfer encoding must be disabled when AuthDigest or
// AuthAny is used; responses may use it regardless of this setting.
func (t *Transport) EnableChunkedTransferEncoding(enable bool) {
	t.chunked = enable
}

// CompressionEnabled reports whether request bodies are gzip
// compressed. Default is disabled.
func (t *Transport) CompressionEnabled() bool {
	return t.compress
}

// EnableCompression enables or disables gzip Content-Encoding for
// request bodies, effective from the next exchange. Chunked
// transfer encoding must also be enabled; server responses may be
// compressed regardless of this setting.
func (t *Transport) EnableCompression(enable bool) {
	t.compress = enable
}

// SetAuthMode sets the authentication mode. For AuthDigest or
// AuthAny, chunked transfer encoding must be disabled.
func (t *Transport) SetAuthMode(mode AuthMode) {
	t.authMode = mode
}

// AuthMode returns the authentication mode.
func (t *Transport) AuthMode() AuthMode {
	return t.authMode
}

// SetCredentials sets the username and password for HTTP
// authentication.
func (t *Transport) SetCredentials(username, password string) {
	t.username = username
	t.password = password
}

// Username returns the username for HTTP authentication.
func (t *Transport) Username() string {
	return t.username
}

// UserAgent returns the configured User-Agent header value, or the
// empty string if none is sent.
func (t *Transport) UserAgent() string {
	return t.userAgent
}

// SetUserAgent sets the User-Agent header sent with requests. An
// empty string (the default) omits the header.
func (t *Transport) SetUserAgent(agent string) {
	t.userAgent = agent
}

// SetProxyConfig sets the proxy configuration applied to sessions
// created afterwards. It cannot be changed while connected.
func (t *Transport) SetProxyConfig(p ProxyConfig) error {
	if t.session != nil {
		return illegalStateErrorf("cannot change proxy configuration while connected")
	}
	t.proxy = p
	return nil
}

// ProxyConfig returns the proxy configuration.
func (t *Transport) ProxyConfig() ProxyConfig {
	return t.proxy
}

// SetCookieStore sets the cookie store, effective from the next
// exchange. A nil store disables cookie handling.
func (t *Transport) SetCookieStore(store CookieStore) {
	t.cookies = store
}

// CookieStore returns the cookie store.
func (t *Transport) CookieStore() CookieStore {
	return t.cookies
}

// BeginMessage starts a one-way exchange (a notification or event)
// for the given remote object and method. The returned serializer
// accepts the call's named parameters; SendMessage completes the
// exchange. The configured auth, chunking and compression settings
// are validated here, before anything reaches the network.
func (t *Transport) BeginMessage(oid ObjectID, tid TypeID, name string, mtype MessageType) (*jsoncodec.Serializer, error) {
	if !mtype.OneWay() {
		return nil, illegalStateErrorf("BeginMessage requires a one-way message type; use BeginRequest for %s", mtype)
	}
	return t.begin(oid, tid, name, mtype)
}

// BeginRequest starts a two-way exchange. The returned serializer
// accepts the call's named parameters; SendRequest transmits the
// request and reads the response.
func (t *Transport) BeginRequest(oid ObjectID, tid TypeID, name string, mtype MessageType) (*jsoncodec.Serializer, error) {
	if mtype.OneWay() {
		return nil, illegalStateErrorf("BeginRequest requires a two-way message type; use BeginMessage for %s", mtype)
	}
	return t.begin(oid, tid, name, mtype)
}

func (t *Transport) begin(oid ObjectID, tid TypeID, name string, mtype MessageType) (*jsoncodec.Serializer, error) {
	if t.state != stateIdle {
		return nil, illegalStateErrorf("an exchange is already in progress")
	}
	if _, err := t.requireSession(); err != nil {
		return nil, errors.Trace(err)
	}
	if t.compress && !t.chunked {
		return nil, configErrorf("compression requires chunked transfer encoding")
	}
	if t.authMode.needsChallenge() {
		if t.chunked {
			return nil, configErrorf("%s authentication requires chunked transfer encoding to be disabled", t.authMode)
		}
		if mtype.OneWay() {
			return nil, configErrorf("%s authentication is not supported for one-way messages", t.authMode)
		}
	}

	exch := &exchange{
		oid:   oid,
		tid:   tid,
		name:  name,
		mtype: mtype,
		body:  new(bytes.Buffer),
	}
	if !mtype.OneWay() {
		t.nextID++
		exch.id = t.nextID
	}
	var sink io.Writer = exch.body
	if t.compress {
		exch.gz = gzip.NewWriter(exch.body)
		sink = exch.gz
	}
	exch.ser = jsoncodec.BeginWriting(sink)
	exch.ser.BeginMessage(oid, tid, name, mtype, exch.id)
	t.exch = exch
	t.state = statePreparing
	return exch.ser, nil
}

// SendMessage transmits a one-way message begun with BeginMessage
// and returns the transport to idle without reading a response
// body. The server's HTTP status is discarded, except that
// transport failures propagate and an authentication challenge is
// reported as an error, since one-way exchanges cannot answer it.
func (t *Transport) SendMessage(ctx context.Context, oid ObjectID, tid TypeID, name string, mtype MessageType) error {
	if err := t.checkSendState(oid, tid, name, mtype); err != nil {
		return errors.Trace(err)
	}
	t.state = stateSending
	if err := t.finishBody(); err != nil {
		t.endExchange(false)
		return errors.Trace(err)
	}
	req, err := t.newHTTPRequest(ctx)
	if err != nil {
		t.endExchange(false)
		return errors.Trace(err)
	}
	resp, err := t.do(req)
	if err != nil {
		t.endExchange(true)
		return transportError(err, "sending message")
	}
	teardown := resp.Close || !t.session.KeepAlive()
	t.storeCookies(resp)
	status := resp.StatusCode
	drainBody(resp)
	t.endExchange(teardown)
	if status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired {
		return authErrorf("authentication challenge on one-way message %q (status %d)", name, status)
	}
	if status < 200 || status >= 300 {
		t.logger.Debugf("discarding HTTP status %d for one-way message %q", status, name)
	}
	return nil
}

// SendRequest transmits a request begun with BeginRequest, blocks
// until the response has been read, and returns a deserializer
// positioned at the result payload. A single digest challenge is
// answered by re-issuing the request once; every other anomaly
// unwinds to the caller.
func (t *Transport) SendRequest(ctx context.Context, oid ObjectID, tid TypeID, name string, mtype MessageType) (*jsoncodec.Deserializer, error) {
	if err := t.checkSendState(oid, tid, name, mtype); err != nil {
		return nil, errors.Trace(err)
	}
	t.state = stateSending
	if err := t.finishBody(); err != nil {
		t.endExchange(false)
		return nil, errors.Trace(err)
	}
	req, err := t.newHTTPRequest(ctx)
	if err != nil {
		t.endExchange(false)
		return nil, errors.Trace(err)
	}
	resp, err := t.do(req)
	if err != nil {
		t.endExchange(true)
		return nil, transportError(err, "sending request")
	}

	if challenged(resp) && t.authMode.needsChallenge() {
		resp, err = t.answerChallenge(ctx, resp)
		if err != nil {
			t.endExchange(false)
			return nil, errors.Trace(err)
		}
	}

	t.storeCookies(resp)
	teardown := resp.Close || !t.session.KeepAlive()

	status := resp.StatusCode
	if status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired {
		drainBody(resp)
		t.endExchange(teardown)
		return nil, authErrorf("server rejected credentials for request %q (status %d)", name, status)
	}
	if status < 200 || status >= 300 {
		drainBody(resp)
		t.endExchange(true)
		return nil, transportErrorf("unexpected HTTP status %d awaiting response for request %q", status, name)
	}

	var body io.Reader = resp.Body
	var gzr *gzip.Reader
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzr, err = gzip.NewReader(resp.Body)
		if err != nil {
			drainBody(resp)
			t.endExchange(true)
			return nil, transportError(err, "reading compressed response")
		}
		body = gzr
	}

	deser := jsoncodec.BeginReading(body)
	err = deser.ReadMessage()
	if gzr != nil {
		_ = gzr.Close()
	}
	drainBody(resp)
	if err != nil {
		t.endExchange(true)
		return nil, transportError(err, "reading response")
	}
	if id, ok := deser.ID(); !ok || id != t.exch.id {
		t.endExchange(true)
		return nil, transportErrorf("response correlation id does not match request %q", name)
	}

	t.exch.deser = deser
	t.exch.teardown = teardown
	t.state = stateAwaitingResponse
	return deser, nil
}

// EndRequest completes a two-way exchange, releasing per-exchange
// resources. If keep-alive is disabled or the server requested
// connection close, the connection is torn down so the next
// exchange re-establishes it. Calling EndRequest when idle is a
// no-op.
func (t *Transport) EndRequest() error {
	switch t.state {
	case stateIdle:
		return nil
	case stateAwaitingResponse:
		t.endExchange(t.exch.teardown)
		return nil
	}
	return illegalStateErrorf("EndRequest called with an exchange still in flight")
}

func (t *Transport) checkSendState(oid ObjectID, tid TypeID, name string, mtype MessageType) error {
	if t.state != statePreparing {
		return illegalStateErrorf("no exchange has been begun")
	}
	e := t.exch
	if e.oid != oid || e.tid != tid || e.name != name || e.mtype != mtype {
		return illegalStateErrorf("send does not match the begun exchange %q", e.name)
	}
	return nil
}

// finishBody completes the staged request body, closing the
// compression filter so its framing is final.
func (t *Transport) finishBody() error {
	if err := t.exch.ser.EndMessage(); err != nil {
		return errors.Trace(err)
	}
	if t.exch.gz != nil {
		if err := t.exch.gz.Close(); err != nil {
			return errors.Annotate(err, "finalizing compressed body")
		}
	}
	return nil
}

func (t *Transport) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	body := t.exch.body.Bytes()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Annotate(err, "building request")
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("Accept-Encoding", "gzip")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if t.chunked {
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
	} else {
		req.ContentLength = int64(len(body))
	}
	if t.authMode == AuthBasic {
		req.SetBasicAuth(t.username, t.password)
	}
	if t.cookies != nil {
		for _, c := range t.cookies.Cookies(t.endpoint) {
			req.AddCookie(c)
		}
	}
	return req, nil
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpRequestOut(req, false); err == nil {
			t.logger.Tracef("request %s", data)
		}
	}
	resp, err := t.session.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpResponse(resp, false); err == nil {
			t.logger.Tracef("response %s", data)
		}
	}
	return resp, nil
}

func challenged(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusProxyAuthRequired
}

// answerChallenge re-issues the current exchange once with the
// authorization answering the server's challenge. A second
// challenge is a hard authentication failure; there is never a
// third attempt.
func (t *Transport) answerChallenge(ctx context.Context, resp *http.Response) (*http.Response, error) {
	challengeHeader, authzHeader := "Www-Authenticate", "Authorization"
	if resp.StatusCode == http.StatusProxyAuthRequired {
		challengeHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	challenges := parseChallenges(resp.Header.Values(challengeHeader))
	t.storeCookies(resp)
	drainBody(resp)

	ch, ok := selectChallenge(challenges, t.authMode)
	if !ok {
		return nil, authErrorf("server offered no challenge usable with %s authentication", t.authMode)
	}
	var authz string
	if strings.EqualFold(ch.scheme, "Basic") {
		authz = basicAuthorization(t.username, t.password)
	} else {
		var err error
		authz, err = ch.digestAuthorization(t.username, t.password,
			http.MethodPost, t.endpoint.RequestURI(), newCnonce(), 1)
		if err != nil {
			return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
		}
	}
	t.logger.Debugf("answering %s challenge for %q", ch.scheme, t.exch.name)

	req, err := t.newHTTPRequest(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set(authzHeader, authz)
	resp, err = t.do(req)
	if err != nil {
		t.session.CloseIdleConnections()
		return nil, transportError(err, "re-issuing challenged request")
	}
	if challenged(resp) {
		drainBody(resp)
		return nil, authErrorf("authentication failed after answering challenge (status %d)", resp.StatusCode)
	}
	return resp, nil
}

func (t *Transport) storeCookies(resp *http.Response) {
	if t.cookies == nil {
		return
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		t.cookies.SetCookies(t.endpoint, cookies)
	}
}

// endExchange releases per-exchange resources and returns the
// transport to idle. When teardown is set the session's connections
// are closed, so the next exchange re-establishes one; the session
// itself stays pooled.
func (t *Transport) endExchange(teardown bool) {
	if teardown && t.session != nil {
		t.session.CloseIdleConnections()
	}
	t.exch = nil
	t.state = stateIdle
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
