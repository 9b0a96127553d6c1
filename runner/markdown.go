package runner

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// markdownizer turns captured assistant HTML into markdown text. The HTML
// comes out of an adversarial page, so it is sanitized before conversion.
type markdownizer struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

func newMarkdownizer() *markdownizer {
	return &markdownizer{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Render converts html to markdown, returning fallback when the HTML is
// empty or yields nothing usable. The fallback is the captured plain text,
// so callers always get the answer even when conversion degrades.
func (m *markdownizer) Render(html, fallback string) string {
	if strings.TrimSpace(html) == "" {
		return fallback
	}
	clean := m.policy.Sanitize(html)
	out, err := m.conv.ConvertString(clean)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}
