package lms

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBadAuth is returned when the identity provider rejects the credentials,
// callers should forget the stored password and not retry.
var ErrBadAuth = errors.New("lms: bad username or password")

// ErrStaleSession is returned when the session is still logged out after a re-login.
// The credentials may be fine, the server side session just could not be reestablished.
var ErrStaleSession = errors.New("lms: still logged out after re-login, try deleting your cookie jar")

// ErrCookieNotFound is returned by CookieStore.Get.
var ErrCookieNotFound = errors.New("lms: cookie not found")

// ParseError is returned whenever a page is missing the structure we expected.
// It carries the offending response so it can be saved for offline diagnosis.
type ParseError struct {
	Msg      string
	Response *Response
	Extra    []string
}

func NewParseError(msg string, res *Response, extra ...string) *ParseError {
	return &ParseError{Msg: msg, Response: res, Extra: extra}
}

func (e *ParseError) Error() string {
	if e.Response == nil {
		return fmt.Sprintf("lms: parse: %s", e.Msg)
	}
	return fmt.Sprintf("lms: parse %s: %s", e.Response.URL(), e.Msg)
}

// Save writes the redirect chain, the message and the raw body of the
// response to `<dir>/<date>_parseerror.txt` and returns the filename.
func (e *ParseError) Save(dir string, now time.Time) (string, error) {
	filename := filepath.Join(dir, now.Format("2006-01-02_1504")+"_parseerror.txt")

	var out strings.Builder
	if e.Response != nil {
		for _, r := range e.Response.Chain() {
			fmt.Fprintf(&out, "%d %s\n", r.Status(), r.URL())
		}
	}
	fmt.Fprintf(&out, "ParseError: %s\n\n", e.Msg)
	if e.Response != nil {
		fmt.Fprintf(&out, "Reported encoding: %s\n", e.Response.Encoding())
	}
	for _, s := range e.Extra {
		out.WriteString(s)
		out.WriteString("\n")
	}

	contents := []byte(out.String())
	if e.Response != nil {
		contents = append(contents, e.Response.Body()...)
	}
	err := os.WriteFile(filename, contents, 0600)
	if err != nil {
		return "", err
	}
	return filename, nil
}

// StaleSessionError is ErrStaleSession together with the page that was still
// logged out.
type StaleSessionError struct {
	Response *Response
}

func (e *StaleSessionError) Error() string {
	if e.Response == nil {
		return ErrStaleSession.Error()
	}
	return fmt.Sprintf("%s (at %s)", ErrStaleSession.Error(), e.Response.URL())
}

func (e *StaleSessionError) Is(target error) bool {
	return target == ErrStaleSession
}

// KeyMismatchError is returned when a later page of a data table has different
// columns than the first one.
type KeyMismatchError struct {
	Page int
	Got  Keys
	Want Keys
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf(
		"lms: page %d keys (%q) do not match page 1 keys (%q)",
		e.Page, []string(e.Got), []string(e.Want),
	)
}
