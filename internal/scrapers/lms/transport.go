package lms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_transport_redirect = "transport.redirect"

	maxRedirects = 10
	// redirect bodies are tiny, anything past this is not worth keeping
	maxRedirectBody = 1 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
)

// File is a file attached to a multipart POST.
type File struct {
	Field string
	Name  string
	Data  []byte
}

// placeholderFile is attached when a multipart POST has no files, the LMS
// rejects grade submissions that are not multipart/form-data.
var placeholderFile = File{Field: "dummy", Name: "dummy"}

type TransportOptions struct {
	BaseUrl string
	Jar     http.CookieJar
	Timeout time.Duration
	// RequestsPerSecond of 0 disables rate limiting.
	RequestsPerSecond float64
	CloudflareBypass  bool
	// DumpDir, when set, receives a text file per request and response.
	DumpDir string
}

// Transport performs single GET/POST requests and records the http redirects
// it followed on the way.
type Transport struct {
	BaseUrl *url.URL
	Http    *resty.Client

	tel telemetry.API
}

type redirectLogKey struct{}

// redirectLog collects the intermediate responses of one request, it travels
// with the request context since http.Client hands that to every redirect.
type redirectLog struct {
	responses []*Response
}

func NewTransport(opts TransportOptions, tel telemetry.API) (*Transport, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	if opts.Jar != nil {
		client.SetCookieJar(opts.Jar)
	}
	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetHeader("user-agent", userAgent)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(recordRedirect))

	if opts.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(client, tel)
	if opts.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(opts.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("http dump directory: %w", err)
		}
		restyutil.Dump(client, output)
	}

	return &Transport{
		BaseUrl: baseUrl,
		Http:    client,
		tel:     tel,
	}, nil
}

// recordRedirect is the redirect policy, it keeps a copy of every redirect
// response while the body is still open.
func recordRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	log, ok := req.Context().Value(redirectLogKey{}).(*redirectLog)
	if !ok || req.Response == nil {
		return nil
	}

	prev := req.Response
	var body []byte
	if prev.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(prev.Body, maxRedirectBody))
	}
	log.responses = append(log.responses, newResponse(
		prev.Request.Method,
		prev.Request.URL,
		prev.StatusCode,
		prev.Header,
		body,
		nil,
	))
	return nil
}

// Resolve parses a possibly relative url against the base url.
func (t *Transport) Resolve(raw string) (*url.URL, error) {
	return t.BaseUrl.Parse(raw)
}

func (t *Transport) execute(ctx context.Context, req *resty.Request, method, target string) (*Response, error) {
	u, err := t.Resolve(target)
	if err != nil {
		return nil, err
	}

	log := &redirectLog{}
	ctx = context.WithValue(ctx, redirectLogKey{}, log)

	res, err := req.SetContext(ctx).Execute(method, u.String())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}

	final := u
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		final = res.RawResponse.Request.URL
	}
	if len(log.responses) > 0 {
		t.tel.ReportDebug(report_transport_redirect, method, u.String(), final.String(), len(log.responses))
	}

	return newResponse(method, final, res.StatusCode(), res.Header(), res.Body(), log.responses), nil
}

func (t *Transport) Get(ctx context.Context, target string) (*Response, error) {
	return t.execute(ctx, t.Http.R(), http.MethodGet, target)
}

// PostForm sends an application/x-www-form-urlencoded POST.
func (t *Transport) PostForm(ctx context.Context, target string, form url.Values) (*Response, error) {
	req := t.Http.R().SetFormDataFromValues(form)
	return t.execute(ctx, req, http.MethodPost, target)
}

// PostMultipart sends a multipart/form-data POST, when there are no files a
// single empty placeholder file is attached to force the encoding.
func (t *Transport) PostMultipart(ctx context.Context, target string, form url.Values, files []File) (*Response, error) {
	if len(files) == 0 {
		files = []File{placeholderFile}
	}

	req := t.Http.R().SetFormDataFromValues(form)
	for _, f := range files {
		req.SetFileReader(f.Field, f.Name, bytes.NewReader(f.Data))
	}
	return t.execute(ctx, req, http.MethodPost, target)
}
