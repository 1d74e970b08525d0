package fetch

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// CookieStore is the cookie capability the fetcher consumes.
// CookiesFor may be called concurrently; SetCookie calls are serialized by the implementation.
type CookieStore interface {
	// CookiesFor returns the Cookie header value for u ("" when none apply)
	CookiesFor(u *url.URL) string
	// SetCookie applies one raw Set-Cookie header received from u. Malformed input is dropped silently.
	SetCookie(rawSetCookie string, u *url.URL)
}

// JarStore is a CookieStore backed by net/http/cookiejar with the public suffix list
type JarStore struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
	log *logrus.Entry
}

// NewJarStore creates an empty cookie store
func NewJarStore(log *logrus.Entry) (*JarStore, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &JarStore{jar: jar, log: log}, nil
}

// CookiesFor implements CookieStore
func (s *JarStore) CookiesFor(u *url.URL) string {
	s.mu.RLock()
	cookies := s.jar.Cookies(u)
	s.mu.RUnlock()

	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}

// SetCookie implements CookieStore
func (s *JarStore) SetCookie(rawSetCookie string, u *url.URL) {
	cookie, err := http.ParseSetCookie(rawSetCookie)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"url":       u.String(),
			"error":     utils.WrapErrorf(utils.ErrParsing, "cookie: %v", err),
			"error_cat": "Content_ParsingCookie",
		}).Debug("Ignoring malformed Set-Cookie header")
		return
	}
	s.mu.Lock()
	s.jar.SetCookies(u, []*http.Cookie{cookie})
	s.mu.Unlock()
}

// persistCookies applies every Set-Cookie header of resp to store
func persistCookies(store CookieStore, resp *http.Response, u *url.URL) {
	if store == nil {
		return
	}
	for _, raw := range resp.Header.Values("Set-Cookie") {
		store.SetCookie(raw, u)
	}
}
