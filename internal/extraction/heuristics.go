package extraction

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	minTitleLength = 4
	maxTitleLength = 99
)

var (
	titleKeywords     = []string{"competition", "lomba", "event", "open", "tournament", "contest"}
	organizerKeywords = []string{"contact", "hubungi", "narahubung", "person"}
)

// HeuristicTitle picks the first line, or the first keyword line, whose length is within
// bounds; otherwise the first line verbatim. It returns nil when the caption has no lines.
func HeuristicTitle(caption string) *string {
	lines := captionLines(caption)
	if len(lines) == 0 {
		return nil
	}
	candidates := append([]string{lines[0]}, linesContaining(lines, titleKeywords)...)
	for _, candidate := range candidates {
		length := utf8.RuneCountInString(candidate)
		if length >= minTitleLength && length <= maxTitleLength {
			return &candidate
		}
	}
	first := lines[0]
	return &first
}

// HeuristicOrganizer prefers the first contact-indicator line, then the second line.
// Captions with fewer than two lines have no organizer.
func HeuristicOrganizer(caption string) *string {
	lines := captionLines(caption)
	if len(lines) < 2 {
		return nil
	}
	if matches := linesContaining(lines, organizerKeywords); len(matches) > 0 {
		return &matches[0]
	}
	second := lines[1]
	return &second
}

func captionLines(caption string) []string {
	raw := strings.Split(caption, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func linesContaining(lines []string, keywords []string) []string {
	folder := cases.Fold()
	var matches []string
	for _, line := range lines {
		folded := folder.String(line)
		for _, keyword := range keywords {
			if strings.Contains(folded, keyword) {
				matches = append(matches, line)
				break
			}
		}
	}
	return matches
}
