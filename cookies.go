// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"net/http"
	"net/url"

	"github.com/juju/errors"
	cookiejar "github.com/juju/persistent-cookiejar"
)

// CookieStore persists cookies across exchanges, partitioned by
// endpoint. The transport consults the store before sending each
// request and writes returned Set-Cookie headers back through it.
// Implementations must be safe for concurrent use when shared
// between Transport instances; http.CookieJar implementations
// satisfy this interface.
type CookieStore interface {
	// Cookies returns the cookies to send in a request to the
	// given endpoint.
	Cookies(u *url.URL) []*http.Cookie

	// SetCookies stores the cookies received in a response from
	// the given endpoint.
	SetCookies(u *url.URL, cookies []*http.Cookie)
}

// PersistentCookieStore is a CookieStore backed by a cookie jar
// held on disk, so that cookies survive process restarts. Save must
// be called to flush updates to the file.
type PersistentCookieStore struct {
	jar *cookiejar.Jar
}

// NewPersistentCookieStore returns a cookie store persisted to the
// given file, loading any cookies already stored there. If filename
// is empty the jar's default cookie file is used.
func NewPersistentCookieStore(filename string) (*PersistentCookieStore, error) {
	jar, err := cookiejar.New(&cookiejar.Options{
		Filename: filename,
	})
	if err != nil {
		return nil, errors.Annotate(err, "opening cookie jar")
	}
	return &PersistentCookieStore{jar: jar}, nil
}

// Cookies implements CookieStore.
func (s *PersistentCookieStore) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// SetCookies implements CookieStore.
func (s *PersistentCookieStore) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(u, cookies)
}

// Save writes the jar's cookies back to its file, merging with any
// changes saved by other processes since it was loaded.
func (s *PersistentCookieStore) Save() error {
	if err := s.jar.Save(); err != nil {
		return errors.Annotate(err, "cannot save cookie jar")
	}
	return nil
}
