// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"net/url"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type sessionSuite struct{}

var _ = gc.Suite(&sessionSuite{})

func mustParseURL(c *gc.C, s string) *url.URL {
	u, err := url.Parse(s)
	c.Assert(err, jc.ErrorIsNil)
	return u
}

func (s *sessionSuite) TestSessionsShareConnections(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com:8080/rpc"),
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	// Each caller owns its session; the connection pool underneath
	// is shared.
	c.Check(s1, gc.Not(gc.Equals), s2)
	c.Check(s1.conn, gc.Equals, s2.conn)
}

func (s *sessionSuite) TestSessionSettingsAreIndependent(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com:8080/rpc"),
		Timeout:   10 * time.Second,
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)

	s1.SetTimeout(time.Second)
	c.Check(s1.Timeout(), gc.Equals, time.Second)
	c.Check(s2.Timeout(), gc.Equals, 10*time.Second)

	c.Assert(s1.SetKeepAlive(false), jc.ErrorIsNil)
	c.Check(s1.KeepAlive(), jc.IsFalse)
	c.Check(s2.KeepAlive(), jc.IsTrue)
	// Changing a connection-relevant setting moves the session to
	// another connection pool instead of mutating the shared one.
	c.Check(s1.conn, gc.Not(gc.Equals), s2.conn)
}

func (s *sessionSuite) TestPoolPathDoesNotSplitConnections(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	s1, err := pool.Session(SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com:8080/rpc"),
		KeepAlive: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	s2, err := pool.Session(SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com:8080/other"),
		KeepAlive: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Equals, s2.conn)
}

func (s *sessionSuite) TestPoolDistinctEndpoints(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	s1, err := pool.Session(SessionConfig{
		Endpoint:  mustParseURL(c, "http://one.example.com/rpc"),
		KeepAlive: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	s2, err := pool.Session(SessionConfig{
		Endpoint:  mustParseURL(c, "http://two.example.com/rpc"),
		KeepAlive: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Not(gc.Equals), s2.conn)
}

func (s *sessionSuite) TestPoolDistinctProxies(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com/rpc"),
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)

	cfg.Proxy = ProxyConfig{Host: "proxy.example.com", Port: 3128}
	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Not(gc.Equals), s2.conn)
}

func (s *sessionSuite) TestPoolDistinctKeepAlive(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com/rpc"),
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)

	cfg.KeepAlive = false
	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Not(gc.Equals), s2.conn)
}

func (s *sessionSuite) TestPoolRejectsMissingEndpoint(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	_, err := pool.Session(SessionConfig{})
	c.Assert(err, gc.ErrorMatches, "session config has no endpoint")
}

func (s *sessionSuite) TestPrune(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	pool := NewSessionPool(WithPoolClock(clk))
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com/rpc"),
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)

	clk.Advance(time.Minute)
	pool.Prune(30 * time.Second)

	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Not(gc.Equals), s2.conn)
}

func (s *sessionSuite) TestPruneKeepsFreshConnections(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	pool := NewSessionPool(WithPoolClock(clk))
	defer pool.Shutdown()

	cfg := SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com/rpc"),
		KeepAlive: true,
	}
	s1, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)

	clk.Advance(10 * time.Second)
	pool.Prune(30 * time.Second)

	s2, err := pool.Session(cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s1.conn, gc.Equals, s2.conn)
}

func (s *sessionSuite) TestShutdown(c *gc.C) {
	pool := NewSessionPool()
	pool.Shutdown()
	// Shutting down twice is fine.
	pool.Shutdown()

	_, err := pool.Session(SessionConfig{
		Endpoint:  mustParseURL(c, "http://example.com/rpc"),
		KeepAlive: true,
	})
	c.Assert(err, gc.ErrorMatches, "session pool is shut down")
}

func (s *sessionSuite) TestSessionAccessors(c *gc.C) {
	pool := NewSessionPool()
	defer pool.Shutdown()

	session, err := pool.Session(SessionConfig{
		Endpoint:         mustParseURL(c, "http://example.com/rpc"),
		Timeout:          10 * time.Second,
		KeepAlive:        true,
		KeepAliveTimeout: 5 * time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)

	c.Check(session.Timeout(), gc.Equals, 10*time.Second)
	c.Check(session.KeepAlive(), jc.IsTrue)
	c.Check(session.KeepAliveTimeout(), gc.Equals, 5*time.Second)
	c.Check(session.DialCount(), gc.Equals, int64(0))

	session.SetTimeout(time.Second)
	c.Check(session.Timeout(), gc.Equals, time.Second)
	c.Assert(session.SetKeepAlive(false), jc.ErrorIsNil)
	c.Check(session.KeepAlive(), jc.IsFalse)
	c.Assert(session.SetKeepAliveTimeout(time.Minute), jc.ErrorIsNil)
	c.Check(session.KeepAliveTimeout(), gc.Equals, time.Minute)
}
