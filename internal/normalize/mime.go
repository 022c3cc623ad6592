package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

const maxPartBytes = 2 << 20

// mime picks the text/plain part of a message and falls back to converting the
// text/html part. A message that cannot be read is treated as plain text.
func (n *Normalizer) mime(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		n.logger.Debug("mime parse failed, using raw body", zap.Error(err))
		return string(raw)
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	sender := ""
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		sender = from[0].String()
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			n.logger.Debug("reading mime part failed", zap.Error(err))
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if err != nil {
			n.logger.Debug("decoding mime part failed",
				zap.String("content_type", contentType),
				zap.Error(err),
			)
			continue
		}

		switch {
		case contentType == "text/plain" && plain == "":
			plain = string(body)
		case contentType == "text/html" && html == "":
			html = string(body)
		case contentType == "" && plain == "":
			plain = string(body)
		}
	}

	content := plain
	if strings.TrimSpace(content) == "" && html != "" {
		content = n.html(html, "")
	}

	var b strings.Builder
	if subject != "" {
		fmt.Fprintf(&b, "# %s\n\n", subject)
	}
	if sender != "" {
		fmt.Fprintf(&b, "From: %s\n\n", sender)
	}
	b.WriteString(content)

	return b.String()
}
