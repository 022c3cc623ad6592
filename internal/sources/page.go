package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/normalize"
	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/weppos/publicsuffix-go/publicsuffix"
	"go.uber.org/zap"
)

const (
	defaultMaxLinks   = 20
	defaultCrawlDelay = 500 * time.Millisecond
)

// PageConfig is the config block of a page source.
type PageConfig struct {
	URL         string        `mapstructure:"url"`
	Selector    string        `mapstructure:"selector"`
	LinkPattern string        `mapstructure:"link-pattern"`
	MaxLinks    int           `mapstructure:"max-links"`
	Delay       time.Duration `mapstructure:"delay"`
}

// Page fetches a web page and, with a link pattern, the pages it links to.
type Page struct {
	source  *radar.Source
	cfg     PageConfig
	pattern *regexp.Regexp
	deps    Deps
	logger  *zap.Logger
}

func NewPage(src *radar.Source, deps Deps) (Connector, error) {
	var cfg PageConfig
	if err := decodeConfig(src, &cfg); err != nil {
		return nil, err
	}

	start, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || start.Host == "" || (start.Scheme != "http" && start.Scheme != "https") {
		return nil, fmt.Errorf("source %q: page url %q is not an absolute http(s) url: %w", src.Name, cfg.URL, radar.ErrConfiguration)
	}
	cfg.URL = start.String()

	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = defaultMaxLinks
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultCrawlDelay
	}

	p := &Page{
		source: src,
		cfg:    cfg,
		deps:   deps,
		logger: logger.ForSource(deps.Logger, src),
	}

	if cfg.LinkPattern != "" {
		p.pattern, err = regexp.Compile(cfg.LinkPattern)
		if err != nil {
			return nil, fmt.Errorf("source %q: link-pattern: %w: %w", src.Name, radar.ErrConfiguration, err)
		}
	}

	return p, nil
}

func (p *Page) Fetch(ctx context.Context) ([]radar.RawItem, error) {
	body, err := fetchBody(ctx, p.deps.HTTP, p.deps.UserAgent, p.cfg.URL)
	if err != nil {
		return nil, err
	}

	items := []radar.RawItem{p.item(p.cfg.URL, body)}

	if p.pattern == nil {
		return items, nil
	}

	links, err := p.links(body)
	if err != nil {
		p.logger.Warn("failed to collect links", zap.Error(err))
		return items, nil
	}

	p.logger.Debug("following links", zap.Int("links", len(links)))

	items = append(items, p.crawl(ctx, links)...)

	return items, nil
}

func (p *Page) item(pageURL string, body []byte) radar.RawItem {
	return radar.RawItem{
		SourceID:  p.source.ID,
		Kind:      radar.KindPage,
		Format:    radar.FormatHTML,
		URL:       pageURL,
		Title:     normalize.Title(string(body)),
		Body:      body,
		Selector:  p.cfg.Selector,
		FetchedAt: time.Now().UTC(),
	}
}

// links returns absolute links from body that match the pattern and stay on
// the start page's registrable domain, capped at MaxLinks.
func (p *Page) links(body []byte) ([]string, error) {
	base, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{base.String(): {}}
	var links []string

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}

		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}

		link := abs.String()
		if _, ok := seen[link]; ok {
			return true
		}
		if !p.pattern.MatchString(link) || !sameSite(base.Hostname(), abs.Hostname()) {
			return true
		}

		seen[link] = struct{}{}
		links = append(links, link)
		return len(links) < p.cfg.MaxLinks
	})

	return links, nil
}

// crawl fetches links with colly. Individual failures are logged and skipped.
func (p *Page) crawl(ctx context.Context, links []string) []radar.RawItem {
	if len(links) == 0 {
		return nil
	}

	c := colly.NewCollector(
		colly.UserAgent(p.deps.UserAgent),
		colly.Async(true),
	)
	c.SetRequestTimeout(p.deps.HTTP.HTTPClient.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       p.cfg.Delay,
		Parallelism: 2,
	}); err != nil {
		p.logger.Warn("failed to set crawl limits", zap.Error(err))
	}

	var (
		mu    sync.Mutex
		items []radar.RawItem
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnResponse(func(r *colly.Response) {
		body, err := decodeUTF8(r.Body, r.Headers.Get("Content-Type"))
		if err != nil {
			p.logger.Debug("charset decode failed, using raw body", zap.String("url", r.Request.URL.String()), zap.Error(err))
			body = r.Body
		}

		mu.Lock()
		items = append(items, p.item(r.Request.URL.String(), body))
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		p.logger.Warn("failed to fetch linked page",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", r.StatusCode),
			zap.Error(err),
		)
	})

	for _, link := range links {
		if err := c.Visit(link); err != nil {
			p.logger.Debug("skipping link", zap.String("url", link), zap.Error(err))
		}
	}
	c.Wait()

	return items
}

// sameSite compares registrable domains. Hosts publicsuffix cannot parse,
// such as IP addresses, must match exactly.
func sameSite(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}

	da, err := publicsuffix.Domain(strings.ToLower(a))
	if err != nil {
		return false
	}
	db, err := publicsuffix.Domain(strings.ToLower(b))
	if err != nil {
		return false
	}

	return da == db
}
