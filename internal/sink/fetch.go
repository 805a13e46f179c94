package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	logx "relaybot/pkg/logx"
)

var ErrTooLarge = errors.New("sink: attachment exceeds size cap")

// Fetcher downloads attachment bytes before delivery. One limiter is
// shared across all fetches so bursts of attachments stay polite to the
// CDN, and every download is capped at maxBytes.
type Fetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
	log      logx.Logger
}

func NewFetcher(maxBytes int64, perSec float64, burst int, timeout time.Duration, log logx.Logger) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	if perSec <= 0 {
		perSec = 4
	}
	if burst <= 0 {
		burst = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
		maxBytes: maxBytes,
		log:      log,
	}
}

// Fetch downloads one attachment and returns its bytes and the response
// content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &SendError{Status: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}
