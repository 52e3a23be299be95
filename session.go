// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ProxyConfig holds the HTTP proxy to use for sessions created
// after it is set. The zero value means no proxy.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// IsZero reports whether no proxy is configured.
func (p ProxyConfig) IsZero() bool {
	return p.Host == ""
}

func (p ProxyConfig) proxyURL() *url.URL {
	if p.IsZero() {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, fmt.Sprint(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// SessionConfig holds the connection parameters applied when a
// session is created.
type SessionConfig struct {
	// Endpoint is the URI of the remote service. Only the scheme
	// and host are significant for connection establishment.
	Endpoint *url.URL

	// Proxy is the HTTP proxy to connect through, if any.
	Proxy ProxyConfig

	// Timeout bounds one whole exchange, from dialling through
	// reading the response body. Zero means no timeout.
	Timeout time.Duration

	// KeepAlive enables HTTP/1.1 persistent connections. When
	// disabled every exchange dials a fresh connection.
	KeepAlive bool

	// KeepAliveTimeout is how long an idle persistent connection
	// is kept open.
	KeepAliveTimeout time.Duration
}

// hostConn is the shared half of a session: one http.Transport per
// pool key, holding the actual connections. Every Session whose
// connection-relevant configuration (scheme, host, proxy, keep-alive
// settings) matches uses the same hostConn, which is what makes
// connection reuse span transports.
type hostConn struct {
	transport *http.Transport
	dials     atomic.Int64

	mu       sync.Mutex
	lastUsed time.Time
}

func newHostConn(cfg SessionConfig, now time.Time) *hostConn {
	hc := &hostConn{lastUsed: now}
	t := &http.Transport{
		DialContext:         hc.dial,
		DisableKeepAlives:   !cfg.KeepAlive,
		IdleConnTimeout:     cfg.KeepAliveTimeout,
		MaxIdleConnsPerHost: 2,
		// The transport layer frames compression itself, so the
		// automatic gzip handling must stay out of the way.
		DisableCompression: true,
		// Chunked transfer encoding control is an HTTP/1.1 concern.
		ForceAttemptHTTP2: false,
	}
	if u := cfg.Proxy.proxyURL(); u != nil {
		t.Proxy = http.ProxyURL(u)
	}
	hc.transport = t
	return hc
}

func (hc *hostConn) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	hc.dials.Add(1)
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func (hc *hostConn) touch(now time.Time) {
	hc.mu.Lock()
	hc.lastUsed = now
	hc.mu.Unlock()
}

func (hc *hostConn) idleSince() time.Time {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.lastUsed
}

// Session is one transport's view of a pooled connection. The
// timeout and keep-alive settings belong to the Session alone, so
// changing them never affects another transport; only the underlying
// connection pool is shared, between Sessions whose
// connection-relevant configuration matches. Every call to
// SessionPool.Session returns a fresh Session owned by the caller.
type Session struct {
	endpoint *url.URL
	proxy    ProxyConfig
	pool     *SessionPool
	clock    clock.Clock

	mu               sync.Mutex
	conn             *hostConn
	client           *http.Client
	keepAlive        bool
	keepAliveTimeout time.Duration
	timeout          time.Duration
	closed           bool
}

func newSession(cfg SessionConfig, pool *SessionPool, conn *hostConn) *Session {
	s := &Session{
		endpoint:         cfg.Endpoint,
		proxy:            cfg.Proxy,
		pool:             pool,
		clock:            pool.clock,
		conn:             conn,
		keepAlive:        cfg.KeepAlive,
		keepAliveTimeout: cfg.KeepAliveTimeout,
		timeout:          cfg.Timeout,
	}
	s.client = &http.Client{
		Transport: conn.transport,
		Timeout:   cfg.Timeout,
	}
	return s
}

// Endpoint returns the endpoint the session is bound to.
func (s *Session) Endpoint() *url.URL {
	return s.endpoint
}

// DialCount returns the number of connection establishment events
// performed on the session's connection pool so far, across all
// sessions sharing it.
func (s *Session) DialCount() int64 {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.dials.Load()
}

// Do performs one HTTP exchange on the session.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	conn := s.conn
	client := s.client
	s.mu.Unlock()
	conn.touch(s.clock.Now())
	return client.Do(req)
}

// Timeout returns the exchange timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout sets the exchange timeout, effective from the next
// exchange.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	s.client = &http.Client{
		Transport: s.conn.transport,
		Timeout:   d,
	}
}

// KeepAlive reports whether persistent connections are enabled.
func (s *Session) KeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// SetKeepAlive enables or disables persistent connections, effective
// from the next exchange. The session switches to the connection
// pool matching the new setting.
func (s *Session) SetKeepAlive(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAlive == enable {
		return nil
	}
	s.keepAlive = enable
	return errors.Trace(s.rekeyLocked())
}

// KeepAliveTimeout returns how long idle persistent connections are
// kept open.
func (s *Session) KeepAliveTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAliveTimeout
}

// SetKeepAliveTimeout sets the idle connection timeout, effective
// from the next exchange.
func (s *Session) SetKeepAliveTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAliveTimeout == d {
		return nil
	}
	s.keepAliveTimeout = d
	return errors.Trace(s.rekeyLocked())
}

// rekeyLocked switches the session to the connection pool matching
// its current connection-relevant settings, leaving other sessions
// on the old pool untouched.
func (s *Session) rekeyLocked() error {
	conn, err := s.pool.conn(SessionConfig{
		Endpoint:         s.endpoint,
		Proxy:            s.proxy,
		KeepAlive:        s.keepAlive,
		KeepAliveTimeout: s.keepAliveTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	s.conn = conn
	s.client = &http.Client{
		Transport: conn.transport,
		Timeout:   s.timeout,
	}
	return nil
}

// CloseIdleConnections drops any idle connections the session's
// connection pool holds, forcing the next exchange to dial anew.
func (s *Session) CloseIdleConnections() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	conn.transport.CloseIdleConnections()
}

// Close marks the session unusable and closes the idle connections
// of its connection pool.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	conn.transport.CloseIdleConnections()
}

// SessionPool produces Sessions for endpoints. Each Session is owned
// by its caller; what the pool caches and shares is the connection
// pool underneath, keyed by the connection-relevant configuration,
// so that connection reuse spans all Transport instances using the
// same SessionPool. The pool is safe for concurrent use.
type SessionPool struct {
	clock clock.Clock

	mu     sync.Mutex
	conns  map[string]*hostConn
	closed bool
}

// PoolOption configures a SessionPool.
type PoolOption func(*SessionPool)

// WithPoolClock sets the clock used for connection idle accounting.
func WithPoolClock(clk clock.Clock) PoolOption {
	return func(p *SessionPool) {
		p.clock = clk
	}
}

// NewSessionPool returns an empty session pool.
func NewSessionPool(opts ...PoolOption) *SessionPool {
	p := &SessionPool{
		clock: clock.WallClock,
		conns: make(map[string]*hostConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultPool is the pool used by transports constructed without an
// explicit one. It is an ordinary pool; callers owning process
// shutdown should call its Shutdown method.
var DefaultPool = NewSessionPool()

// Session returns a new Session for the given configuration. The
// Session belongs to the caller alone; sessions with matching
// connection-relevant parameters share connections underneath.
func (p *SessionPool) Session(cfg SessionConfig) (*Session, error) {
	if cfg.Endpoint == nil || cfg.Endpoint.Host == "" {
		return nil, errors.New("session config has no endpoint")
	}
	conn, err := p.conn(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newSession(cfg, p, conn), nil
}

func (p *SessionPool) conn(cfg SessionConfig) (*hostConn, error) {
	key := sessionKey(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("session pool is shut down")
	}
	if hc, ok := p.conns[key]; ok {
		return hc, nil
	}
	hc := newHostConn(cfg, p.clock.Now())
	p.conns[key] = hc
	logger.Debugf("new connection pool for %s", cfg.Endpoint.Host)
	return hc, nil
}

func sessionKey(cfg SessionConfig) string {
	proxy := ""
	if !cfg.Proxy.IsZero() {
		proxy = net.JoinHostPort(cfg.Proxy.Host, fmt.Sprint(cfg.Proxy.Port))
	}
	return fmt.Sprintf("%s://%s|proxy=%s|keepalive=%t|idle=%s",
		cfg.Endpoint.Scheme, cfg.Endpoint.Host, proxy, cfg.KeepAlive, cfg.KeepAliveTimeout)
}

// Prune closes and evicts connection pools that have been idle for
// longer than maxIdle. Sessions still referring to an evicted pool
// keep working; they simply dial anew on the next exchange.
func (p *SessionPool) Prune(maxIdle time.Duration) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, hc := range p.conns {
		if now.Sub(hc.idleSince()) > maxIdle {
			hc.transport.CloseIdleConnections()
			delete(p.conns, key)
		}
	}
}

// Shutdown closes all pooled connections. The pool cannot produce
// sessions afterwards.
func (p *SessionPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for key, hc := range p.conns {
		hc.transport.CloseIdleConnections()
		delete(p.conns, key)
	}
}
