package lms

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lmsfetch/scrapers/lms")

// Credentials supplies the username and password for the identity provider.
type Credentials interface {
	Auth(ctx context.Context) (username, password string, err error)
	// Forget is called after the identity provider rejected the password.
	Forget() error
}

type Options struct {
	Site Site
	// CookieJar is the cookie file, empty keeps cookies in memory only.
	CookieJar   string
	CourseID    string
	Credentials Credentials

	Timeout           time.Duration
	RequestsPerSecond float64
	CloudflareBypass  bool
	DumpDir           string
}

// Session is the single authenticated entry point to the LMS.
type Session struct {
	CourseID string

	site      Site
	base      *url.URL
	transport *Transport
	cookies   *CookieStore
	creds     Credentials
	tel       telemetry.API
}

func NewSession(opts Options, tel telemetry.API) (*Session, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("lms", tel)

	base, err := opts.Site.base()
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	cookies, err := OpenCookieStore(opts.CookieJar)
	if err != nil {
		return nil, fmt.Errorf("load cookies: %w", err)
	}
	transport, err := NewTransport(TransportOptions{
		BaseUrl:           opts.Site.BaseUrl,
		Jar:               cookies,
		Timeout:           opts.Timeout,
		RequestsPerSecond: opts.RequestsPerSecond,
		CloudflareBypass:  opts.CloudflareBypass,
		DumpDir:           opts.DumpDir,
	}, tel)
	if err != nil {
		return nil, err
	}

	return &Session{
		CourseID:  opts.CourseID,
		site:      opts.Site,
		base:      base,
		transport: transport,
		cookies:   cookies,
		creds:     opts.Credentials,
		tel:       tel,
	}, nil
}

func (s *Session) Site() Site {
	return s.site
}

// Resolve parses a url relative to the LMS.
func (s *Session) Resolve(raw string) (*url.URL, error) {
	return s.base.Parse(raw)
}

// fetch makes the request and logs in if the response asks for it.
func (s *Session) fetch(ctx context.Context, target string) (*Response, error) {
	res, err := s.transport.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.autologin(ctx, res)
}

// Get returns the page at target as seen by a logged in user. It logs in if
// needed, logs in again once if the session expired, and re-requests the page
// if the LMS answered with a different page than the one asked for.
func (s *Session) Get(ctx context.Context, target string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "session:Get")
	defer span.End()

	u, err := s.Resolve(target)
	if err != nil {
		return nil, err
	}
	target = u.String()

	res, err := s.fetch(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		return nil, err
	}

	if s.detectLogin(res) == loggedOut {
		s.tel.ReportWarning(report_session_relogin, "logged out, logging in again", target)
		prior := chain{}.add(res)

		relogged, err := s.relogin(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to relogin")
			return nil, err
		}
		prior = prior.add(relogged)

		res, err = s.fetch(ctx, target)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to refetch after relogin")
			return nil, err
		}
		res = prior.finish(res)
		if s.detectLogin(res) == loggedOut {
			span.SetStatus(codes.Error, "still logged out")
			return nil, &StaleSessionError{Response: res}
		}
	}

	if res.URL().String() != target {
		s.tel.ReportDebug("refetch after landing elsewhere", target, res.URL().String())
		prior := chain{}.add(res)
		res, err = s.transport.Get(ctx, target)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to refetch")
			return nil, err
		}
		res = prior.finish(res)
	}

	return res, nil
}

// Post sends a url-encoded form. Form state and success detection are up to the caller.
func (s *Session) Post(ctx context.Context, target string, form url.Values) (*Response, error) {
	return s.transport.PostForm(ctx, target, form)
}

// PostMultipart sends a multipart form, see Transport.PostMultipart.
func (s *Session) PostMultipart(ctx context.Context, target string, form url.Values, files []File) (*Response, error) {
	return s.transport.PostMultipart(ctx, target, form, files)
}

// Cookie returns the value of the cookie with the given name and path.
func (s *Session) Cookie(name, path string) (string, error) {
	return s.cookies.Get(name, path)
}

// EnsureLoggedIn fetches a cheap course page, logging in on the way if needed.
func (s *Session) EnsureLoggedIn(ctx context.Context) (*Response, error) {
	if s.CourseID == "" {
		return s.Get(ctx, "/")
	}
	u := s.base.ResolveReference(&url.URL{Path: "/webapps/blackboard/content/manageDashboard.jsp"})
	q := url.Values{}
	q.Set("course_id", s.CourseID)
	q.Set("sortCol", "LastLoginCol")
	q.Set("sortDir", "D")
	u.RawQuery = q.Encode()
	return s.Get(ctx, u.String())
}

// ForgetPassword tells the credential source the password was rejected.
func (s *Session) ForgetPassword() error {
	if s.creds == nil {
		return errors.New("lms: no credentials configured")
	}
	return s.creds.Forget()
}

// Close saves the cookies, it is safe to call more than once.
func (s *Session) Close() error {
	return s.cookies.Save()
}
