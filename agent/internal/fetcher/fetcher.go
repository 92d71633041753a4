package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/wptpipe/wptpipe/agent/internal/wpt"
	"github.com/wptpipe/wptpipe/pkg/types"
)

// ErrMalformedResult marks a completed test whose result document does not
// have the expected shape (no data, no runs).
var ErrMalformedResult = errors.New("malformed test result")

// TestSubmissionError reports a failed test for URL. It wraps the cause,
// which may be ErrMalformedResult or one of the wpt errors.
type TestSubmissionError struct {
	URL string
	Err error
}

func (e *TestSubmissionError) Error() string {
	return fmt.Sprintf("test submission for %s failed: %v", e.URL, e.Err)
}

func (e *TestSubmissionError) Unwrap() error { return e.Err }

// Runner runs one test end to end. *wpt.Client implements it.
type Runner interface {
	Run(ctx context.Context, url string, opts wpt.Options) (*wpt.Result, error)
}

// Fetcher turns a URL into a ResultBundle.
type Fetcher struct {
	runner Runner
	opts   wpt.Options
}

// New returns a Fetcher that runs every test with opts.
func New(r Runner, opts wpt.Options) *Fetcher {
	return &Fetcher{runner: r, opts: opts}
}

// Fetch runs one test for url and decodes the result. Every failure is
// returned as a *TestSubmissionError carrying url. group is accepted for
// symmetry with the request and is not sent to the service.
func (f *Fetcher) Fetch(ctx context.Context, url, group string) (*types.ResultBundle, error) {
	res, err := f.runner.Run(ctx, url, f.opts)
	if err != nil {
		return nil, &TestSubmissionError{URL: url, Err: err}
	}
	bundle, err := Decode(res.Body)
	if err != nil {
		return nil, &TestSubmissionError{URL: url, Err: err}
	}
	bundle.TestID = res.TestID
	bundle.URL = url
	bundle.Artifact = res.HAR
	return bundle, nil
}

// result mirrors the parts of jsonResult.php the pipeline reads.
type result struct {
	Data *struct {
		Location     *string                    `json:"location"`
		Connectivity *string                    `json:"connectivity"`
		Runs         map[string]json.RawMessage `json:"runs"`
		Median       map[string]any             `json:"median"`
	} `json:"data"`
}

// Decode builds a ResultBundle (without artifact or identity) from a
// jsonResult.php document. Runs are ordered by their numeric key.
func Decode(body []byte) (*types.ResultBundle, error) {
	var r result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if r.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResult)
	}
	if len(r.Data.Runs) == 0 {
		return nil, fmt.Errorf("%w: no runs", ErrMalformedResult)
	}

	runs := make([]types.Run, 0, len(r.Data.Runs))
	for key, payload := range r.Data.Runs {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("%w: run key %q", ErrMalformedResult, key)
		}
		runs = append(runs, types.Run{Index: idx, Payload: payload})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Index < runs[j].Index })

	b := &types.ResultBundle{
		Runs:    runs,
		Medians: r.Data.Median,
	}
	if r.Data.Location != nil {
		b.Location = *r.Data.Location
	}
	if r.Data.Connectivity != nil {
		b.Connectivity = *r.Data.Connectivity
	}
	if b.Medians == nil {
		b.Medians = map[string]any{}
	}
	return b, nil
}
