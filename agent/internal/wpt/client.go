package wpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodySize      = 4096
	keyHeader             = "X-WPT-API-KEY"
)

// ErrTestFailed indicates the service rejected the test or reported an error status.
var ErrTestFailed = errors.New("webpagetest: test failed")

// ErrTimeout indicates the test did not complete within Options.Timeout.
var ErrTimeout = errors.New("webpagetest: test timed out")

// ErrInvalidResponse indicates a response body that could not be decoded.
var ErrInvalidResponse = errors.New("webpagetest: invalid response")

// Options are the per-test settings sent with every submission.
type Options struct {
	Location      string
	Connectivity  string
	Runs          int
	FirstViewOnly bool

	// PollInterval is the delay between status checks.
	PollInterval time.Duration

	// Timeout bounds submission, polling and download together.
	Timeout time.Duration
}

// Result is the raw outcome of one completed test.
type Result struct {
	TestID string

	// Body is the jsonResult.php document: {"statusCode":200,"data":{...}}.
	Body json.RawMessage

	// HAR is the export.php document.
	HAR json.RawMessage
}

// Client talks to a WebPageTest server.
type Client struct {
	base   *url.URL
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient returns a Client for host. A host without a scheme gets https://.
// hc may be nil, in which case a client with a 30s per-request timeout is used.
func NewClient(host, key string, hc *http.Client) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("webpagetest: host required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	base, err := url.Parse(strings.TrimRight(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("webpagetest: parse host: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	if key != "" {
		rt := hc.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		wrapped := *hc
		wrapped.Transport = &keyRoundTripper{base: rt, key: key}
		hc = &wrapped
	}
	return &Client{base: base, client: hc, sleep: sleepCtx}, nil
}

// keyRoundTripper injects the API key header into every outgoing request.
type keyRoundTripper struct {
	base http.RoundTripper
	key  string
}

func (t *keyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(keyHeader, t.key)
	return t.base.RoundTrip(req)
}

// Run submits testURL, waits for the test to complete and downloads the
// result and HAR. It makes a single submission; only status polling repeats.
func (c *Client) Run(ctx context.Context, testURL string, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	id, err := c.submit(ctx, testURL, opts)
	if err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	slog.Debug("wpt: test submitted", "url", testURL, "test_id", id)

	if err := c.wait(ctx, id, opts.PollInterval); err != nil {
		return nil, c.ctxErr(ctx, err)
	}

	body, err := c.getJSON(ctx, "jsonResult.php", url.Values{"test": {id}})
	if err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("fetch result %s: %w", id, err))
	}
	har, err := c.getJSON(ctx, "export.php", url.Values{"test": {id}})
	if err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("fetch har %s: %w", id, err))
	}
	return &Result{TestID: id, Body: body, HAR: har}, nil
}

// envelope is the common response wrapper used by the WebPageTest API.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	StatusText string          `json:"statusText"`
	Data       json.RawMessage `json:"data"`
}

func (c *Client) submit(ctx context.Context, testURL string, opts Options) (string, error) {
	q := url.Values{
		"url": {testURL},
		"f":   {"json"},
	}
	if opts.Runs > 0 {
		q.Set("runs", strconv.Itoa(opts.Runs))
	}
	if loc := locationParam(opts.Location, opts.Connectivity); loc != "" {
		q.Set("location", loc)
	}
	if opts.FirstViewOnly {
		q.Set("fvonly", "1")
	}

	var env envelope
	if err := c.getInto(ctx, "runtest.php", q, &env); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if env.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: submit status %d: %s", ErrTestFailed, env.StatusCode, env.StatusText)
	}
	var data struct {
		TestID string `json:"testId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TestID == "" {
		return "", fmt.Errorf("%w: submit response has no testId", ErrInvalidResponse)
	}
	return data.TestID, nil
}

// wait polls testStatus.php until the test completes. Status codes 1xx mean
// queued or running, 200 complete, anything else is a failure.
func (c *Client) wait(ctx context.Context, id string, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	q := url.Values{"test": {id}, "f": {"json"}}
	for {
		var env envelope
		if err := c.getInto(ctx, "testStatus.php", q, &env); err != nil {
			return fmt.Errorf("status %s: %w", id, err)
		}
		switch {
		case env.StatusCode == http.StatusOK:
			return nil
		case env.StatusCode >= 100 && env.StatusCode < 200:
			slog.Debug("wpt: test pending", "test_id", id, "status", env.StatusText)
		default:
			return fmt.Errorf("%w: test %s status %d: %s", ErrTestFailed, id, env.StatusCode, env.StatusText)
		}
		if err := c.sleep(ctx, every); err != nil {
			return err
		}
	}
}

func (c *Client) getInto(ctx context.Context, endpoint string, q url.Values, v any) error {
	body, err := c.getJSON(ctx, endpoint, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, endpoint, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values) (json.RawMessage, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + endpoint
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: %s returned HTTP %d: %s",
			ErrTestFailed, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s body is not JSON", ErrInvalidResponse, endpoint)
	}
	return body, nil
}

// ctxErr reports ErrTimeout when the Run deadline caused err.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// locationParam builds the "location.connectivity" value runtest.php expects.
func locationParam(location, connectivity string) string {
	switch {
	case location == "":
		return ""
	case connectivity == "":
		return location
	default:
		return location + "." + connectivity
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
