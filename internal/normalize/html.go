package normalize

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const boilerplate = "script, style, noscript, nav, footer, header, aside, form, iframe, svg"

func (n *Normalizer) html(raw, selector string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		n.logger.Debug("html parse failed, using raw text", zap.Error(err))
		return raw
	}

	doc.Find(boilerplate).Remove()

	content := doc.Selection
	if selector = strings.TrimSpace(selector); selector != "" {
		if matched := doc.Find(selector); matched.Length() > 0 {
			content = matched
		} else {
			n.logger.Debug("content selector matched nothing, using whole document",
				zap.String("selector", selector),
			)
		}
	}

	var parts []string
	content.Each(func(_ int, s *goquery.Selection) {
		fragment, err := goquery.OuterHtml(s)
		if err != nil {
			parts = append(parts, s.Text())
			return
		}

		markdown, err := htmltomarkdown.ConvertString(fragment)
		if err != nil {
			n.logger.Debug("markdown conversion failed, using element text", zap.Error(err))
			parts = append(parts, s.Text())
			return
		}
		parts = append(parts, markdown)
	})

	return strings.Join(parts, "\n\n")
}

// Title returns the document title, if any.
func Title(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
