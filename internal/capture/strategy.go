package capture

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	minEmbeddedCaptionLength = 51
	minArticleLineLength     = 10
	captionStartLineLength   = 31
)

// Strategy locates a caption inside a page.
type Strategy interface {
	Name() string
	Locate(page Page) (string, bool)
}

// Chain evaluates strategies in order and returns the first located caption.
type Chain []Strategy

// DefaultChain is embedded JSON, then article text, then meta descriptions.
func DefaultChain() Chain {
	return Chain{EmbeddedJSON{}, ArticleText{}, MetaDescription{}}
}

// Locate returns the cleaned caption from the first strategy that succeeds.
func (c Chain) Locate(page Page) (string, bool) {
	for _, strategy := range c {
		if caption, ok := strategy.Locate(page); ok {
			if cleaned := cleanCaption(caption); cleaned != "" {
				return cleaned, true
			}
		}
	}
	return "", false
}

var embeddedCaptionPaths = []string{
	"caption.text",
	"edge_media_to_caption.edges.0.node.text",
	"caption",
}

// EmbeddedJSON reads the caption from JSON payloads embedded in script tags.
type EmbeddedJSON struct{}

// Name identifies the strategy in logs.
func (EmbeddedJSON) Name() string { return "embedded_json" }

// Locate probes each script body that mentions a caption.
func (EmbeddedJSON) Locate(page Page) (string, bool) {
	for _, body := range page.scripts() {
		if !strings.Contains(body, "caption") {
			continue
		}
		start := strings.Index(body, "{")
		end := strings.LastIndex(body, "}")
		if start < 0 || end <= start {
			continue
		}
		payload := body[start : end+1]
		if !gjson.Valid(payload) {
			continue
		}
		for _, path := range embeddedCaptionPaths {
			result := gjson.Get(payload, path)
			if result.Type != gjson.String {
				continue
			}
			if utf8.RuneCountInString(result.String()) >= minEmbeddedCaptionLength {
				return result.String(), true
			}
		}
	}
	return "", false
}

var (
	articleNoise = []string{"like", "share", "follow", "more", "view all", "comments", "sign up", "log in"}
	countLine    = regexp.MustCompile(`^\d+$`)
)

// ArticleText filters rendered article text down to the caption lines.
type ArticleText struct{}

// Name identifies the strategy in logs.
func (ArticleText) Name() string { return "article_text" }

// Locate skips interface chrome, counters and short lines; the caption starts at the
// first long line.
func (ArticleText) Locate(page Page) (string, bool) {
	var captionLines []string
	inCaption := false
	for _, line := range page.articleLines() {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isArticleNoise(trimmed) || countLine.MatchString(trimmed) {
			continue
		}
		length := utf8.RuneCountInString(trimmed)
		if length < minArticleLineLength {
			continue
		}
		if length >= captionStartLineLength || inCaption {
			inCaption = true
			captionLines = append(captionLines, trimmed)
		}
	}
	if len(captionLines) == 0 {
		return "", false
	}
	return strings.Join(captionLines, "\n"), true
}

func isArticleNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, noise := range articleNoise {
		if strings.Contains(lower, noise) {
			return true
		}
	}
	return false
}

// MetaDescription falls back to the og:description or twitter:description meta tags,
// preferring the longer of the two.
type MetaDescription struct{}

// Name identifies the strategy in logs.
func (MetaDescription) Name() string { return "meta_description" }

// Locate returns the decoded description with literal \n sequences expanded.
func (MetaDescription) Locate(page Page) (string, bool) {
	openGraph := expandEscapedNewlines(page.metaContent("property", "og:description"))
	twitter := expandEscapedNewlines(page.metaContent("name", "twitter:description"))
	caption := openGraph
	if utf8.RuneCountInString(twitter) > utf8.RuneCountInString(caption) {
		caption = twitter
	}
	if caption == "" {
		return "", false
	}
	return caption, true
}

func expandEscapedNewlines(value string) string {
	return strings.TrimSpace(strings.ReplaceAll(value, `\n`, "\n"))
}
