package lms

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lmsfetch/internal/components/telemetry"
)

const (
	fakeUsername = "au123456"
	fakePassword = "hunter2"
)

// fakeLMS serves a tiny LMS on 127.0.0.1 and its identity provider on localhost,
// so the two have different hostnames.
type fakeLMS struct {
	t    testing.TB
	lms  *httptest.Server
	idp  *httptest.Server
	site Site

	mutex    sync.Mutex
	requests []string
	sessions map[string]bool
	nextID   int

	// emptyRelay makes the identity provider answer with a relay form without inputs
	emptyRelay bool
	// neverLoggedIn makes every page look logged out
	neverLoggedIn bool
	// interstitial is served once in place of the first logged in page request
	interstitial bool
	// loggedOutOnce serves the logged out portal page once to a logged in user
	loggedOutOnce bool
}

func newFakeLMS(t testing.TB) *fakeLMS {
	f := &fakeLMS{t: t, sessions: map[string]bool{}}
	f.lms = httptest.NewServer(http.HandlerFunc(f.serveLMS))
	f.idp = httptest.NewServer(http.HandlerFunc(f.serveIdP))
	t.Cleanup(f.lms.Close)
	t.Cleanup(f.idp.Close)

	f.site = DefaultSite()
	f.site.BaseUrl = f.lms.URL
	f.site.IdentityProviderHost = "localhost"
	return f
}

func (f *fakeLMS) idpUrl(path string) string {
	_, port, err := net.SplitHostPort(strings.TrimPrefix(f.idp.URL, "http://"))
	if err != nil {
		f.t.Fatal(err)
	}
	return fmt.Sprintf("http://localhost:%s%s", port, path)
}

func (f *fakeLMS) record(r *http.Request, host string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.requests = append(f.requests, fmt.Sprintf("%s %s%s", r.Method, host, r.URL.Path))
}

// Requests returns every request made so far as "METHOD host/path".
func (f *fakeLMS) Requests() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeLMS) set(apply func(f *fakeLMS)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	apply(f)
}

func (f *fakeLMS) count(prefix string) int {
	n := 0
	for _, r := range f.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// ExpireSessions forgets every server side session, like a session timeout.
func (f *fakeLMS) ExpireSessions() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sessions = map[string]bool{}
}

func (f *fakeLMS) loggedIn(r *http.Request) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.neverLoggedIn {
		return false
	}
	c, err := r.Cookie("s_session_id")
	return err == nil && f.sessions[c.Value]
}

func (f *fakeLMS) newSession() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.sessions[id] = true
	return id
}

const loggedInPage = `<html><body>
<a id="topframe.logout.label" href="/webapps/login/?action=logout">Log ud</a>
<div id="content">%s</div>
</body></html>`

const loggedOutPage = `<html><body>
<a href="/webapps/portal/execute/tabs/tabAction?tab_tab_group_id=_21_1">Log på</a>
</body></html>`

func (f *fakeLMS) serveLMS(w http.ResponseWriter, r *http.Request) {
	f.record(r, "lms")

	switch r.URL.Path {
	case f.site.SSOPath:
		http.SetCookie(w, &http.Cookie{Name: "return", Value: url.QueryEscape(r.URL.Query().Get("returnUrl")), Path: "/"})
		http.Redirect(w, r, f.idpUrl("/login"), http.StatusFound)
		return
	case "/Shibboleth.sso/SAML2/POST":
		if r.FormValue("SAMLResponse") != "assertion" {
			http.Error(w, "bad assertion", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `<html><body><form action="%s/complete" method="post">
			<input type="hidden" name="token" value="relayed">
			</form></body></html>`, f.site.SSOPath)
		return
	case f.site.SSOPath + "/complete":
		if r.FormValue("token") != "relayed" {
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "s_session_id", Value: f.newSession(), Path: "/"})
		returnUrl := "/"
		if c, err := r.Cookie("return"); err == nil {
			if decoded, err := url.QueryUnescape(c.Value); err == nil && decoded != "" {
				returnUrl = decoded
			}
		}
		http.Redirect(w, r, returnUrl, http.StatusFound)
		return
	case "/webapps/login/":
		fmt.Fprint(w, loggedOutPage)
		return
	}

	if !f.loggedIn(r) {
		if f.neverLoggedIn {
			fmt.Fprint(w, loggedOutPage)
			return
		}
		newLoc := url.QueryEscape(r.URL.RequestURI())
		fmt.Fprintf(w, `<html><head><script type="text/javascript">
<!--
	document.location.replace('%s/webapps/login/?new_loc=%s');
//-->
</script></head><body></body></html>`, f.lms.URL, newLoc)
		return
	}

	f.mutex.Lock()
	interstitial := f.interstitial
	f.interstitial = false
	loggedOutOnce := f.loggedOutOnce
	f.loggedOutOnce = false
	f.mutex.Unlock()
	if loggedOutOnce {
		fmt.Fprint(w, loggedOutPage)
		return
	}
	if interstitial {
		http.Redirect(w, r, "/webapps/portal/interstitial", http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, loggedInPage, r.URL.RequestURI())
}

func (f *fakeLMS) serveIdP(w http.ResponseWriter, r *http.Request) {
	f.record(r, "idp")

	if r.URL.Path != "/login" {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet {
		fmt.Fprint(w, `<html><body><form method="post">
			<input name="username"><input name="password" type="password">
			</form></body></html>`)
		return
	}

	if r.FormValue("username") != fakeUsername || r.FormValue("password") != fakePassword {
		fmt.Fprint(w, `<html><body><p class="error">Forkert brugernavn eller kodeord</p></body></html>`)
		return
	}
	if f.emptyRelay {
		fmt.Fprintf(w, `<html><body><form action="%s/Shibboleth.sso/SAML2/POST" method="post"></form></body></html>`, f.lms.URL)
		return
	}
	fmt.Fprintf(w, `<html><body onload="document.forms[0].submit()">
		<form action="%s/Shibboleth.sso/SAML2/POST" method="post">
		<input type="hidden" name="SAMLResponse" value="assertion">
		<input type="hidden" name="RelayState" value="ss:mem:1">
		</form></body></html>`, f.lms.URL)
}

type staticCredentials struct {
	username, password string
	forgotten          int
}

func (c *staticCredentials) Auth(context.Context) (string, string, error) {
	return c.username, c.password, nil
}

func (c *staticCredentials) Forget() error {
	c.forgotten++
	return nil
}

func (f *fakeLMS) session(t testing.TB, creds Credentials) (*Session, *telemetry.Recorder) {
	tel := &telemetry.Recorder{}
	session, err := NewSession(Options{
		Site:        f.site,
		CookieJar:   filepath.Join(t.TempDir(), "cookies.txt"),
		CourseID:    "_1_1",
		Credentials: creds,
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	return session, tel
}

func (f *fakeLMS) goodSession(t testing.TB) (*Session, *telemetry.Recorder) {
	return f.session(t, &staticCredentials{username: fakeUsername, password: fakePassword})
}
