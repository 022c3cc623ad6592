package sources

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

const defaultFeedLimit = 50

// FeedConfig is the config block of an RSS/Atom/JSON feed source.
type FeedConfig struct {
	URL   string `mapstructure:"url"`
	Limit int    `mapstructure:"limit"`
}

// Feed turns feed entries into html items.
type Feed struct {
	source *radar.Source
	cfg    FeedConfig
	deps   Deps
	logger *zap.Logger
}

func NewFeed(src *radar.Source, deps Deps) (Connector, error) {
	var cfg FeedConfig
	if err := decodeConfig(src, &cfg); err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("source %q: feed url %q is invalid: %w", src.Name, cfg.URL, radar.ErrConfiguration)
	}
	cfg.URL = u.String()

	if cfg.Limit <= 0 {
		cfg.Limit = defaultFeedLimit
	}

	return &Feed{source: src, cfg: cfg, deps: deps, logger: logger.ForSource(deps.Logger, src)}, nil
}

func (f *Feed) Fetch(ctx context.Context) ([]radar.RawItem, error) {
	parser := gofeed.NewParser()
	parser.Client = f.deps.HTTP.StandardClient()
	parser.UserAgent = f.deps.UserAgent

	feed, err := parser.ParseURLWithContext(f.cfg.URL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) && transientStatus(httpErr.StatusCode) {
			return nil, fmt.Errorf("fetch feed %s: %w: %w", f.cfg.URL, radar.ErrTransientUpstream, err)
		}
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			return nil, fmt.Errorf("fetch feed %s: %w", f.cfg.URL, err)
		}
		return nil, classifyFetchError(f.cfg.URL, err)
	}

	f.logger.Debug("feed parsed", zap.String("feed_type", feed.FeedType), zap.Int("entries", len(feed.Items)))

	now := time.Now().UTC()
	items := make([]radar.RawItem, 0, min(len(feed.Items), f.cfg.Limit))

	for _, entry := range feed.Items {
		if len(items) >= f.cfg.Limit {
			break
		}
		if entry == nil {
			continue
		}

		body := strings.TrimSpace(entry.Description)
		if body == "" {
			body = strings.TrimSpace(entry.Content)
		}
		if body == "" {
			body = strings.TrimSpace(entry.Title)
		}
		if body == "" {
			continue
		}

		if title := strings.TrimSpace(entry.Title); title != "" && !strings.Contains(body, title) {
			body = "<h1>" + html.EscapeString(title) + "</h1>\n" + body
		}

		link := strings.TrimSpace(entry.Link)
		if link == "" {
			link = strings.TrimSpace(entry.GUID)
		}

		items = append(items, radar.RawItem{
			SourceID:  f.source.ID,
			Kind:      radar.KindFeed,
			Format:    radar.FormatHTML,
			URL:       link,
			Title:     strings.TrimSpace(entry.Title),
			Body:      []byte(body),
			FetchedAt: now,
		})
	}

	return items, nil
}
