package lms

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"
	"golang.org/x/net/html/charset"
)

// Response is one physical HTTP response plus every response that led up to it
// (http redirects, javascript redirects, login relays, retries).
//
// A Response is never mutated after construction, splicing earlier requests
// onto it produces a new Response (see withPrior).
type Response struct {
	method  string
	url     *url.URL
	status  int
	header  http.Header
	body    []byte
	history []*Response

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error
}

func newResponse(method string, u *url.URL, status int, header http.Header, body []byte, history []*Response) *Response {
	copied := *u
	return &Response{
		method:  method,
		url:     &copied,
		status:  status,
		header:  header.Clone(),
		body:    body,
		history: append([]*Response(nil), history...),
	}
}

// withPrior returns a copy of the response whose history starts with prior.
func (r *Response) withPrior(prior []*Response) *Response {
	history := make([]*Response, 0, len(prior)+len(r.history))
	history = append(history, prior...)
	history = append(history, r.history...)
	return newResponse(r.method, r.url, r.status, r.header, r.body, history)
}

func (r *Response) Method() string {
	return r.method
}

// URL is the final url of the response, after http redirects.
func (r *Response) URL() *url.URL {
	copied := *r.url
	return &copied
}

func (r *Response) Status() int {
	return r.status
}

func (r *Response) Header() http.Header {
	return r.header.Clone()
}

func (r *Response) Body() []byte {
	return r.body
}

func (r *Response) Text() string {
	_, name, _ := charset.DetermineEncoding(r.body, r.header.Get("Content-Type"))
	if name == "utf-8" {
		return string(r.body)
	}
	decoded, err := charset.NewReader(bytes.NewReader(r.body), r.header.Get("Content-Type"))
	if err != nil {
		return string(r.body)
	}
	var buf bytes.Buffer
	_, err = buf.ReadFrom(decoded)
	if err != nil {
		return string(r.body)
	}
	return buf.String()
}

// Encoding is the name of the charset the body is declared (or sniffed) to be in.
func (r *Response) Encoding() string {
	_, name, _ := charset.DetermineEncoding(r.body, r.header.Get("Content-Type"))
	return name
}

// History is every response that preceded this one, oldest first.
func (r *Response) History() []*Response {
	return append([]*Response(nil), r.history...)
}

// Chain is History followed by the response itself.
func (r *Response) Chain() []*Response {
	return append(r.History(), r)
}

// Document parses the body as html, decoding it according to its charset.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		reader, err := charset.NewReader(bytes.NewReader(r.body), r.header.Get("Content-Type"))
		if err != nil {
			r.docErr = fmt.Errorf("decode body: %w", err)
			return
		}
		r.doc, r.docErr = goquery.NewDocumentFromReader(reader)
	})
	return r.doc, r.docErr
}

// JSON decodes the body into v, failures are ParseErrors.
func (r *Response) JSON(v any) error {
	err := json.Unmarshal(r.body, v)
	if err != nil {
		return NewParseError(fmt.Sprintf("couldn't decode json: %s", err), r)
	}
	return nil
}

// chain accumulates the physical responses of a multi-request operation in the
// order they were made.
type chain []*Response

// add appends the history of res and then res itself.
func (c chain) add(res *Response) chain {
	out := make(chain, 0, len(c)+len(res.history)+1)
	out = append(out, c...)
	out = append(out, res.history...)
	return append(out, res)
}

// finish returns res with everything in the chain spliced before its own history.
func (c chain) finish(res *Response) *Response {
	if len(c) == 0 {
		return res
	}
	return res.withPrior(c)
}
