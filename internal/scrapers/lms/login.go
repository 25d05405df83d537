package lms

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_session_follow_redirect = "session.follow-html-redirect"
	report_session_wayf_login      = "session.wayf-login"
	report_session_hidden_form     = "session.post-hidden-form"
	report_session_relogin         = "session.relogin"

	maxHTMLRedirects = 10
	hiddenFormRelays = 2
)

type loginState int

const (
	loginUnknown loginState = iota
	loggedIn
	loggedOut
)

// detectLogin looks for the markers the LMS puts in its top frame.
func (s *Session) detectLogin(res *Response) loginState {
	doc, err := res.Document()
	if err != nil {
		return loginUnknown
	}
	if s.site.LoggedOutHref != "" && doc.Find(fmt.Sprintf(`a[href="%s"]`, s.site.LoggedOutHref)).Length() > 0 {
		return loggedOut
	}
	if s.site.LoginLabelID != "" && doc.Find(fmt.Sprintf(`a[id="%s"]`, s.site.LoginLabelID)).Length() > 0 {
		return loggedOut
	}
	if s.site.LogoutLabelID != "" && doc.Find(fmt.Sprintf(`a[id="%s"]`, s.site.LogoutLabelID)).Length() > 0 {
		return loggedIn
	}
	return loginUnknown
}

// followHTMLRedirect follows javascript redirects until it lands on a page
// without one. Redirects to the LMS login page are sent to the SSO entry point.
func (s *Session) followHTMLRedirect(ctx context.Context, res *Response) (*Response, error) {
	var prior chain
	for i := 0; ; i++ {
		doc, err := res.Document()
		if err != nil {
			return nil, NewParseError(fmt.Sprintf("parse html: %s", err), res)
		}
		next, ok := parseJSRedirect(res.URL(), doc)
		if !ok {
			break
		}
		if i >= maxHTMLRedirects {
			return nil, NewParseError(fmt.Sprintf("more than %d javascript redirects", maxHTMLRedirects), res)
		}

		if rewritten, changed := s.site.rewriteLoginRedirect(s.base, next); changed {
			s.tel.ReportDebug(report_session_follow_redirect, "rewrote login redirect", next.String(), rewritten.String())
			next = rewritten
		} else {
			s.tel.ReportDebug(report_session_follow_redirect, next.String())
		}

		prior = prior.add(res)
		res, err = s.transport.Get(ctx, next.String())
		if err != nil {
			return nil, err
		}
	}
	return prior.finish(res), nil
}

// autologin follows javascript redirects and, if they end on the identity
// provider's login form, logs in.
func (s *Session) autologin(ctx context.Context, res *Response) (*Response, error) {
	res, err := s.followHTMLRedirect(ctx, res)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(res.URL().Hostname(), s.site.IdentityProviderHost) {
		return res, nil
	}
	return s.wayfLogin(ctx, res)
}

// wayfLogin submits the credentials to the identity provider's login page
// and relays the resulting assertion back into the LMS.
func (s *Session) wayfLogin(ctx context.Context, res *Response) (*Response, error) {
	ctx, span := tracer.Start(ctx, "session:wayfLogin")
	defer span.End()

	if s.creds == nil {
		span.SetStatus(codes.Error, "no credentials")
		return nil, fmt.Errorf("lms: login required but no credentials were configured")
	}
	username, password, err := s.creds.Auth(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get credentials")
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	prior := chain{}.add(res)

	s.tel.ReportDebug(report_session_wayf_login, "sending login details", username)
	res, err = s.transport.PostForm(ctx, res.URL().String(), url.Values{
		"username": {username},
		"password": {password},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post credentials")
		s.tel.ReportBroken(report_session_wayf_login, err)
		return nil, err
	}
	s.tel.ReportDebug(report_session_wayf_login, res.Status(), res.URL().String())
	if strings.Contains(res.Text(), s.site.BadCredentialsMarker) {
		span.SetStatus(codes.Error, ErrBadAuth.Error())
		return nil, ErrBadAuth
	}

	for i := 1; i <= hiddenFormRelays; i++ {
		prior = prior.add(res)
		res, err = s.postHiddenForm(ctx, res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("hidden form %d", i))
			return nil, err
		}
		s.tel.ReportDebug(report_session_hidden_form, i, res.Status(), res.URL().String())
	}

	return prior.finish(res), nil
}

// postHiddenForm resubmits a form that only consists of hidden fields, the way
// the browser would when the page's auto-submit script runs.
func (s *Session) postHiddenForm(ctx context.Context, res *Response) (*Response, error) {
	doc, err := res.Document()
	if err != nil {
		return nil, NewParseError(fmt.Sprintf("parse html: %s", err), res)
	}
	form := doc.Find("form").First()
	if form.Length() == 0 {
		s.tel.ReportBroken(report_session_hidden_form, "no <form>", res.URL().String())
		return nil, NewParseError("No <form>", res)
	}

	data := url.Values{}
	form.Find("input[name]").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		data.Add(name, input.AttrOr("value", ""))
	})
	s.tel.ReportDebug(report_session_hidden_form, "inputs", len(data))
	if len(data) == 0 {
		s.tel.ReportBroken(report_session_hidden_form, "no named inputs", res.URL().String())
		return nil, NewParseError("No <input> with name", res)
	}

	action, err := res.URL().Parse(form.AttrOr("action", ""))
	if err != nil {
		return nil, NewParseError(fmt.Sprintf("bad form action: %s", err), res)
	}
	return s.transport.PostForm(ctx, action.String(), data)
}

// relogin visits the SSO bootstrap url, which must leave the session logged in.
func (s *Session) relogin(ctx context.Context) (*Response, error) {
	ctx, span := tracer.Start(ctx, "session:relogin")
	defer span.End()

	res, err := s.fetch(ctx, s.site.reloginUrl(s.base).String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to relogin")
		return nil, err
	}
	if s.detectLogin(res) == loggedOut {
		s.tel.ReportBroken(report_session_relogin, "still logged out after re-login", res.URL().String())
		span.SetStatus(codes.Error, "still logged out")
		return nil, &StaleSessionError{Response: res}
	}
	return res, nil
}
