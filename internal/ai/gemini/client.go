package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultModel         = "gemini-2.5-flash"
	defaultAttempts      = 3
	defaultDelay         = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultTimeout       = 60 * time.Second
	defaultMaxConcurrent = 5
	jsonMIMEType         = "application/json"
)

var retryAfterPattern = regexp.MustCompile(`(?i)retry (?:after|in) (\d+(?:\.\d+)?)\s*s`)

// modelClient is the slice of genai.Models the generator uses.
type modelClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options tune retries, timeouts and the shared concurrency limit.
type Options struct {
	Attempts      uint
	Delay         time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
	MaxConcurrent int
}

func (o Options) withDefaults() Options {
	if o.Attempts == 0 {
		o.Attempts = defaultAttempts
	}
	if o.Delay <= 0 {
		o.Delay = defaultDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	return o
}

// Generator sends prompts to Gemini. Generators derived with WithModel share
// the client and the concurrency limit.
type Generator struct {
	models  modelClient
	model   string
	opts    Options
	limiter chan struct{}
	logger  *zap.Logger
}

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey, model string, opts Options, logger *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required: %w", radar.ErrConfiguration)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, model, opts, logger), nil
}

func newGenerator(models modelClient, model string, opts Options, logger *zap.Logger) *Generator {
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	return &Generator{
		models:  models,
		model:   model,
		opts:    opts,
		limiter: make(chan struct{}, opts.MaxConcurrent),
		logger:  logger,
	}
}

// WithModel returns a generator for another model that shares this one's client and limit.
func (g *Generator) WithModel(model string) *Generator {
	model = strings.TrimSpace(model)
	if model == "" || model == g.model {
		return g
	}

	clone := *g
	clone.model = model
	return &clone
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// GenerateContent sends the prompt and returns the concatenated text parts.
// Exhausted retries on temporary failures wrap radar.ErrTransientUpstream.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.models == nil {
		return "", fmt.Errorf("gemini generator is not initialized: %w", radar.ErrConfiguration)
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	select {
	case g.limiter <- struct{}{}:
		defer func() { <-g.limiter }()
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for gemini slot: %w: %w", radar.ErrTransientUpstream, ctx.Err())
	}

	cfg := &genai.GenerateContentConfig{ResponseMIMEType: jsonMIMEType}

	var (
		output  string
		lastErr error
	)

	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()

			resp, err := g.models.GenerateContent(callCtx, g.model, genai.Text(prompt), cfg)
			if err != nil {
				lastErr = err
				if !g.temporary(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}

			output = responseText(resp)
			lastErr = nil
			return nil
		},
		retry.Attempts(g.opts.Attempts),
		retry.Delay(g.opts.Delay),
		retry.MaxDelay(g.opts.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("gemini request failed, retrying",
				zap.String("model", g.model),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
		retry.RetryIf(g.temporary),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if g.temporary(lastErr) || ctx.Err() != nil {
			return "", fmt.Errorf("generate content: %w: %w", radar.ErrTransientUpstream, lastErr)
		}
		return "", fmt.Errorf("generate content: %w", lastErr)
	}

	if output == "" {
		return "", fmt.Errorf("gemini api returned empty response: %w", radar.ErrMalformedResponse)
	}

	return output, nil
}

// temporary reports whether err is worth another attempt. Quota errors that ask
// to wait longer than the max delay are not.
func (g *Generator) temporary(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if apiErr, ok := asAPIError(err); ok {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			if wait, ok := retryAfter(apiErr.Message); ok && wait > g.opts.MaxDelay {
				return false
			}
			return true
		case apiErr.Code >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func asAPIError(err error) (genai.APIError, bool) {
	var value genai.APIError
	if errors.As(err, &value) {
		return value, true
	}

	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}

	return genai.APIError{}, false
}

func retryAfter(message string) (time.Duration, bool) {
	match := retryAfterPattern.FindStringSubmatch(message)
	if len(match) != 2 {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}

	return time.Duration(seconds * float64(time.Second)), true
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}
