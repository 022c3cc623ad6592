package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

const (
	defaultUserAgent   = "opportunity-radar/1.0"
	defaultHTTPTimeout = 30 * time.Second
	defaultHTTPRetries = 3
	maxBodyBytes       = 10 << 20
)

// HTTPOptions configure the shared HTTP client.
type HTTPOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewHTTPClient returns a retrying client that logs through zap.
func NewHTTPClient(opts HTTPOptions, logger *zap.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultHTTPRetries
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = opts.Timeout
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.Logger = zapLeveled{logger.Named("http").Sugar()}
	// Hand the last response back so callers can tell 4xx from 5xx.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return client
}

// zapLeveled adapts zap to retryablehttp.LeveledLogger.
type zapLeveled struct {
	s *zap.SugaredLogger
}

func (l zapLeveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// fetchBody performs a GET and returns the body decoded to UTF-8.
func fetchBody(ctx context.Context, client *retryablehttp.Client, userAgent, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyFetchError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
		if transientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w", radar.ErrTransientUpstream, err)
		}
		return nil, err
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode charset of %s: %w", url, err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, classifyFetchError(url, err)
	}

	return body, nil
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func classifyFetchError(url string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("GET %s: %w: %w", url, radar.ErrTransientUpstream, err)
	}
	return fmt.Errorf("GET %s: %w", url, err)
}

func decodeUTF8(body []byte, contentType string) ([]byte, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}
