package lms

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const cookieFileHeader = "# Netscape HTTP Cookie File"

type cookieKey struct {
	domain string
	path   string
	name   string
}

type cookieEntry struct {
	cookieKey
	value    string
	hostOnly bool
	secure   bool
	httpOnly bool
	// zero means a session cookie, those are persisted too
	expires time.Time
}

func (e cookieEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !e.expires.After(now)
}

// CookieStore is an http.CookieJar that can be persisted to a cookies.txt file.
//
// Matching cookies to requests is delegated to net/http/cookiejar, the store keeps
// its own record of every cookie so they can be written out again.
type CookieStore struct {
	filename string

	mutex   sync.Mutex
	jar     *cookiejar.Jar
	entries map[cookieKey]cookieEntry
	// cookies removed by the server during this run, so Save doesn't resurrect them
	deleted map[cookieKey]bool
	now     func() time.Time
}

// OpenCookieStore creates a store backed by filename and loads it, a missing file
// just means there are no cookies yet.
func OpenCookieStore(filename string) (*CookieStore, error) {
	s := &CookieStore{filename: filename, now: time.Now}
	err := s.Load()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the in-memory cookies with the ones in the file.
func (s *CookieStore) Load() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}

	entries, err := readCookieFile(s.filename)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.jar = jar
	s.entries = map[cookieKey]cookieEntry{}
	s.deleted = map[cookieKey]bool{}
	now := s.now()
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		s.entries[e.cookieKey] = e
		s.jar.SetCookies(entryURL(e), []*http.Cookie{entryCookie(e)})
	}
	return nil
}

// Save merges the in-memory cookies into the file: cookies that only exist on disk
// (ex. written by another run) are kept, cookies this run knows about win.
func (s *CookieStore) Save() error {
	if s.filename == "" {
		return nil
	}

	onDisk, err := readCookieFile(s.filename)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	merged := map[cookieKey]cookieEntry{}
	for _, e := range onDisk {
		if s.deleted[e.cookieKey] {
			continue
		}
		merged[e.cookieKey] = e
	}
	for k, e := range s.entries {
		merged[k] = e
	}

	now := s.now()
	list := make([]cookieEntry, 0, len(merged))
	for _, e := range merged {
		if e.expired(now) {
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.domain != b.domain {
			return a.domain < b.domain
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.name < b.name
	})

	return writeCookieFile(s.filename, list)
}

// Get returns the value of the cookie with exactly this name and path.
func (s *CookieStore) Get(name, cookiePath string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	var found []cookieEntry
	for k, e := range s.entries {
		if k.name == name && k.path == cookiePath && !e.expired(now) {
			found = append(found, e)
		}
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: %s (path %s)", ErrCookieNotFound, name, cookiePath)
	}
	// the most specific domain wins if the same cookie exists for a parent domain
	sort.Slice(found, func(i, j int) bool {
		return len(found[i].domain) > len(found[j].domain)
	})
	return found[0].value, nil
}

// SetCookies implements http.CookieJar.
func (s *CookieStore) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.jar.SetCookies(u, cookies)

	now := s.now()
	for _, c := range cookies {
		e := newCookieEntry(u, c, now)
		if c.MaxAge < 0 || e.expired(now) {
			delete(s.entries, e.cookieKey)
			s.deleted[e.cookieKey] = true
			continue
		}
		s.entries[e.cookieKey] = e
		delete(s.deleted, e.cookieKey)
	}
}

// Cookies implements http.CookieJar.
func (s *CookieStore) Cookies(u *url.URL) []*http.Cookie {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.jar.Cookies(u)
}

func newCookieEntry(u *url.URL, c *http.Cookie, now time.Time) cookieEntry {
	e := cookieEntry{
		value:    c.Value,
		secure:   c.Secure,
		httpOnly: c.HttpOnly,
	}
	e.name = c.Name

	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain == "" {
		e.domain = strings.ToLower(u.Hostname())
		e.hostOnly = true
	} else {
		e.domain = domain
	}

	e.path = c.Path
	if e.path == "" || e.path[0] != '/' {
		e.path = defaultCookiePath(u.Path)
	}

	switch {
	case c.MaxAge > 0:
		e.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case !c.Expires.IsZero():
		e.expires = c.Expires
	}
	return e
}

// defaultCookiePath is the "directory" of the request path as in RFC 6265 section 5.1.4.
func defaultCookiePath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func entryURL(e cookieEntry) *url.URL {
	scheme := "http"
	if e.secure {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: e.domain, Path: path.Join(e.path, "x")}
}

func entryCookie(e cookieEntry) *http.Cookie {
	c := &http.Cookie{
		Name:     e.name,
		Value:    e.value,
		Path:     e.path,
		Secure:   e.secure,
		HttpOnly: e.httpOnly,
		Expires:  e.expires,
	}
	if !e.hostOnly {
		c.Domain = e.domain
	}
	return c
}

// readCookieFile reads a Netscape format cookie file, a missing file yields no cookies.
func readCookieFile(filename string) ([]cookieEntry, error) {
	if filename == "" {
		return nil, nil
	}
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []cookieEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			httpOnly = true
			line = strings.TrimPrefix(line, "#HttpOnly_")
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("%s:%d: expected 7 fields, got %d", filename, lineNo, len(fields))
		}
		expiry, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad expiry: %w", filename, lineNo, err)
		}

		e := cookieEntry{
			value:    fields[6],
			hostOnly: fields[1] != "TRUE",
			secure:   fields[3] == "TRUE",
			httpOnly: httpOnly,
		}
		e.domain = strings.TrimPrefix(fields[0], ".")
		e.path = fields[2]
		e.name = fields[5]
		if expiry > 0 {
			e.expires = time.Unix(expiry, 0)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func writeCookieFile(filename string, entries []cookieEntry) error {
	var out strings.Builder
	out.WriteString(cookieFileHeader)
	out.WriteString("\n\n")

	boolStr := func(b bool) string {
		if b {
			return "TRUE"
		}
		return "FALSE"
	}

	for _, e := range entries {
		domain := e.domain
		if !e.hostOnly {
			domain = "." + domain
		}
		if e.httpOnly {
			domain = "#HttpOnly_" + domain
		}
		var expiry int64
		if !e.expires.IsZero() {
			expiry = e.expires.Unix()
		}
		fmt.Fprintf(
			&out, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, boolStr(!e.hostOnly), e.path, boolStr(e.secure), expiry, e.name, e.value,
		)
	}

	// write to a temporary file first so a crash never leaves half a jar behind
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return err
	}
	_, err = tmp.WriteString(out.String())
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filename)
}
