package ics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// DefaultTimeout bounds each request hop when a source sets no timeout.
const DefaultTimeout = 30 * time.Second

// Headers chosen to keep Outlook, Google and iCloud feeds happy.
var calendarHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "text/calendar,application/calendar+xml,text/plain,*/*",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "identity",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// FetchRequest describes a single feed download.
type FetchRequest struct {
	SourceID       string
	URL            string
	Auth           *model.Auth
	SelfSignedCert bool
	Timeout        time.Duration
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Body []byte
	// FinalURL is the address the body was served from.
	FinalURL string
	// PermanentURL is set when every redirect on the way was permanent
	// (301/308); callers may use it for later fetches.
	PermanentURL string
}

// Fetcher downloads raw ICS payloads.
type Fetcher struct {
	client   *http.Client
	insecure *http.Client
}

// NewFetcher creates a Fetcher with one verifying and one non-verifying
// client. Redirects are never followed by the clients themselves.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client:   newClient(false),
		insecure: newClient(true),
	}
}

func newClient(skipVerify bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	if skipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per source
	}
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ValidateURL parses a feed URL. webcal:// and webcals:// are mapped to https.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal", "webcals":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	return u, nil
}

// Fetch downloads req.URL, following 301/302/307/308 responses that carry
// a Location header. There is no limit on the number of hops.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	u, err := ValidateURL(req.URL)
	if err != nil {
		return FetchResult{}, err
	}

	client := f.client
	if req.SelfSignedCert && strings.EqualFold(u.Scheme, "https") {
		client = f.insecure
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var res FetchResult
	permanentSoFar := true
	current := u

	for {
		appLog.Debug("ics fetch start", "id", req.SourceID, "url", RedactURL(current.String()))

		h, err := f.hop(ctx, client, current, req.Auth, timeout)
		if err != nil {
			return FetchResult{}, err
		}

		if h.next != nil {
			appLog.Info("ics fetch following redirect", "id", req.SourceID, "status", h.status, "to", RedactURL(h.next.String()))
			if permanentSoFar && (h.status == http.StatusMovedPermanently || h.status == http.StatusPermanentRedirect) {
				res.PermanentURL = h.next.String()
			} else {
				permanentSoFar = false
			}
			current = h.next
			continue
		}

		res.Body = h.body
		res.FinalURL = current.String()
		appLog.Info("ics fetch success", "id", req.SourceID, "url", RedactURL(res.FinalURL), "bytes", len(res.Body))
		return res, nil
	}
}

type hopResult struct {
	status int
	next   *url.URL
	body   []byte
}

func (f *Fetcher) hop(ctx context.Context, client *http.Client, u *url.URL, auth *model.Auth, timeout time.Duration) (hopResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return hopResult{}, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	for k, v := range calendarHeaders {
		httpReq.Header.Set(k, v)
	}
	applyAuth(httpReq, auth)

	resp, err := client.Do(httpReq)
	if err != nil {
		return hopResult{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if loc := resp.Header.Get("Location"); loc != "" {
			next, err := u.Parse(loc)
			if err != nil {
				return hopResult{}, fmt.Errorf("%w: bad redirect location %q: %v", ErrNetwork, loc, err)
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			return hopResult{status: resp.StatusCode, next: next}, nil
		}
	}

	if resp.StatusCode != http.StatusOK {
		return hopResult{}, &StatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return hopResult{}, classifyTransportError(err)
	}
	if len(body) == 0 {
		return hopResult{}, ErrEmptyResponse
	}
	return hopResult{status: resp.StatusCode, body: body}, nil
}

// applyAuth sets the Authorization header. Basic auth requires both user
// and password; bearer auth sends Pass as the token.
func applyAuth(r *http.Request, auth *model.Auth) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case model.AuthBearer:
		r.Header.Set("Authorization", "Bearer "+auth.Pass)
	default:
		if auth.User != "" && auth.Pass != "" {
			r.SetBasicAuth(auth.User, auth.Pass)
		}
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(raw string) string {
	const redactedSuffix = "/...(redacted)"

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + redactedSuffix
}
