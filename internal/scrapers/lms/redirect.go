package lms

import (
	"net/url"
	"regexp"
	"strings"

	"lmsfetch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

var jsRedirectPattern = regexp.MustCompile(
	`^\s*(?:<!--)?\s*document\.location\.replace\('((?:\\.|[^'])+)'\);\s*(?:(?://\s*)?-->)?\s*$`,
)

var jsEscape = regexp.MustCompile(`\\(.)`)

// parseJSRedirect finds a `document.location.replace('...')` script, which is how
// the LMS redirects logged out users. The target is resolved against base.
func parseJSRedirect(base *url.URL, doc *goquery.Document) (*url.URL, bool) {
	for _, script := range doc.Find("script").Nodes {
		groups := jsRedirectPattern.FindStringSubmatch(htmlutil.GetText(script))
		if len(groups) < 2 {
			continue
		}
		target, err := base.Parse(jsEscape.ReplaceAllString(groups[1], "$1"))
		if err != nil {
			continue
		}
		return target, true
	}
	return nil, false
}

// rewriteLoginRedirect turns a redirect to the LMS login page into a redirect
// straight to the SSO entry point, carrying over the page to return to.
func (s Site) rewriteLoginRedirect(base, target *url.URL) (*url.URL, bool) {
	if !strings.EqualFold(target.Host, base.Host) || target.Path != s.LoginPath {
		return target, false
	}

	returnUrl := target.Query().Get("new_loc")
	if returnUrl == s.ReloginReturnUrl {
		returnUrl = ""
	}
	return s.ssoUrl(base, returnUrl), true
}
