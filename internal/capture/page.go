package capture

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the browser-side snapshot of one post: its URL, the full page source and,
// when the browser could read it, the rendered text of the post's article element.
type Page struct {
	PostURL     string
	Source      string
	ArticleText string

	root *html.Node
}

// NewPage parses the page source once so every strategy can walk the same tree.
func NewPage(postURL, source, articleText string) (Page, error) {
	root, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return Page{}, fmt.Errorf("capture: parse page source: %w", err)
	}
	return Page{PostURL: postURL, Source: source, ArticleText: articleText, root: root}, nil
}

// Snapshot turns a page into a RawCapture: caption via the default chain, post date from
// the first <time datetime> and image from og:image.
func Snapshot(page Page, postIndex int, sessionID string) RawCapture {
	caption, _ := DefaultChain().Locate(page)
	return RawCapture{
		SessionID:  sessionID,
		PostIndex:  postIndex,
		PostURL:    page.PostURL,
		RawCaption: caption,
		RawDate:    page.postDate(),
		ImageURL:   page.metaContent("property", "og:image"),
	}
}

func (p Page) postDate() string {
	var found string
	walk(p.root, func(node *html.Node) bool {
		if node.DataAtom != atom.Time {
			return true
		}
		if value, ok := attr(node, "datetime"); ok && value != "" {
			found = value
			return false
		}
		return true
	})
	return found
}

func (p Page) metaContent(key, name string) string {
	var found string
	walk(p.root, func(node *html.Node) bool {
		if node.DataAtom != atom.Meta {
			return true
		}
		if value, _ := attr(node, key); value != name {
			return true
		}
		if content, ok := attr(node, "content"); ok && content != "" {
			found = content
			return false
		}
		return true
	})
	return found
}

func (p Page) scripts() []string {
	var bodies []string
	walk(p.root, func(node *html.Node) bool {
		if node.DataAtom == atom.Script {
			bodies = append(bodies, textContent(node))
		}
		return true
	})
	return bodies
}

// articleLines returns the supplied article text, or the text nodes of the first
// <article> element when the browser did not provide it.
func (p Page) articleLines() []string {
	if strings.TrimSpace(p.ArticleText) != "" {
		return strings.Split(p.ArticleText, "\n")
	}
	var article *html.Node
	walk(p.root, func(node *html.Node) bool {
		if node.DataAtom == atom.Article {
			article = node
			return false
		}
		return true
	})
	if article == nil {
		return nil
	}
	var lines []string
	walk(article, func(node *html.Node) bool {
		if node.Type == html.TextNode {
			lines = append(lines, strings.Split(node.Data, "\n")...)
		}
		return true
	})
	return lines
}

// walk visits nodes depth first until visit returns false.
func walk(node *html.Node, visit func(*html.Node) bool) bool {
	if node == nil {
		return true
	}
	if !visit(node) {
		return false
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

func attr(node *html.Node, key string) (string, bool) {
	for _, attribute := range node.Attr {
		if strings.EqualFold(attribute.Key, key) {
			return attribute.Val, true
		}
	}
	return "", false
}

func textContent(node *html.Node) string {
	var builder strings.Builder
	walk(node, func(child *html.Node) bool {
		if child.Type == html.TextNode {
			builder.WriteString(child.Data)
		}
		return true
	})
	return builder.String()
}

var (
	commentCountPattern = regexp.MustCompile(`(?i)view all \d+ comments`)
	likeCountPattern    = regexp.MustCompile(`(?i) \d+ likes`)
	horizontalSpace     = regexp.MustCompile(`[ \t\f\r]+`)
)

// cleanCaption strips engagement counters and collapses horizontal whitespace while
// keeping line structure for the title and organizer heuristics.
func cleanCaption(caption string) string {
	caption = commentCountPattern.ReplaceAllString(caption, "")
	caption = likeCountPattern.ReplaceAllString(caption, "")
	lines := strings.Split(caption, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
