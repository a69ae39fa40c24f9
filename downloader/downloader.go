package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type GetOptions struct {
	MaxSize  int
	Timeout  time.Duration
	Cache    bool
	CacheTTL time.Duration
}

// A thing capable of downloading a file, optionally with caching.
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// Response from a single fetch, along with the freshness hint (if
// any) carried by the upstream's Cache-Control header.
type Response struct {
	Body []byte

	// Freshness is how long the upstream allows this response to
	// be reused. Only meaningful when HasFreshness is set. A
	// no-cache/no-store directive yields a zero Freshness.
	Freshness    time.Duration
	HasFreshness bool
}

// Gets a file. Doesn't cache. Provided as convenience for
// implementing custom Downloaders.
func HTTPGet(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	resp, err := Fetch(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Fetch gets a file and reports the upstream freshness hint.
func Fetch(ctx context.Context, url string, headers map[string]string, options GetOptions) (Response, error) {
	client := &http.Client{
		Timeout: options.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if options.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, int64(options.MaxSize))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return Response{}, fmt.Errorf("reading body: %w", err)
	}

	freshness, ok := parseFreshness(resp.Header.Get("Cache-Control"))

	return Response{
		Body:         body,
		Freshness:    freshness,
		HasFreshness: ok,
	}, nil
}

// Extracts a freshness lifetime from a Cache-Control header value.
// no-cache and no-store force zero. Returns ok=false when the header
// carries no usable directive.
func parseFreshness(cacheControl string) (time.Duration, bool) {
	maxAge := time.Duration(-1)

	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))

		if directive == "no-cache" || directive == "no-store" {
			return 0, true
		}

		if v, found := strings.CutPrefix(directive, "max-age="); found {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				continue
			}
			maxAge = time.Duration(secs) * time.Second
		}
	}

	if maxAge >= 0 {
		return maxAge, true
	}
	return 0, false
}
