package phones

import "regexp"

// prefix covers the international (+62, 62) and trunk (0) forms of an Indonesian number.
const prefix = `(?:\+62|62|0)`

var (
	prefixedPattern      = regexp.MustCompile(prefix + `[0-9]{8,12}`)
	dashedPattern        = regexp.MustCompile(prefix + `?[0-9]{3,4}-[0-9]{4}-[0-9]{4}`)
	whatsAppLinkPattern  = regexp.MustCompile(`wa\.me/\+?([0-9]+)`)
	parentheticalPattern = regexp.MustCompile(`\([^)]+\)\s*[:\s]*(` + prefix + `[0-9]{8,12})`)
	phoneIconPattern     = regexp.MustCompile(`[(📞📱📲\s:]+(` + prefix + `[0-9]{8,12})`)
	digitRunPattern      = regexp.MustCompile(`[0-9]+`)
)

const (
	bareRunMinDigits = 10
	bareRunMaxDigits = 14
)

// candidateStage is one independent scan over the text.
type candidateStage func(text string) []string

// stages is evaluated in this exact order; reordering changes output order.
var stages = []candidateStage{
	matchPrefixed,
	matchDashed,
	matchWhatsAppLinks,
	matchParenthetical,
	matchPhoneIcon,
	matchBareRuns,
}

func matchPrefixed(text string) []string {
	return prefixedPattern.FindAllString(text, -1)
}

func matchDashed(text string) []string {
	matches := dashedPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, stripDashes(match))
	}
	return out
}

func matchWhatsAppLinks(text string) []string {
	return submatches(whatsAppLinkPattern, text)
}

func matchParenthetical(text string) []string {
	return submatches(parentheticalPattern, text)
}

func matchPhoneIcon(text string) []string {
	return submatches(phoneIconPattern, text)
}

// matchBareRuns keeps maximal digit runs of 10-14 digits that look like mobile numbers.
func matchBareRuns(text string) []string {
	var out []string
	for _, run := range digitRunPattern.FindAllString(text, -1) {
		if len(run) < bareRunMinDigits || len(run) > bareRunMaxDigits {
			continue
		}
		if run[:2] == "08" || run[:2] == "62" {
			out = append(out, run)
		}
	}
	return out
}

func submatches(pattern *regexp.Regexp, text string) []string {
	var out []string
	for _, groups := range pattern.FindAllStringSubmatch(text, -1) {
		if len(groups) > 1 && groups[1] != "" {
			out = append(out, groups[1])
		}
	}
	return out
}

func stripDashes(value string) string {
	out := make([]byte, 0, len(value))
	for index := 0; index < len(value); index++ {
		if value[index] != '-' {
			out = append(out, value[index])
		}
	}
	return string(out)
}
