// Package phones finds Indonesian phone numbers in free text and reduces them to a
// canonical local form (leading 0, digits only).
package phones

import "strings"

// SlotCount is the number of leading numbers exposed as discrete slots.
const SlotCount = 4

// Separator joins canonical numbers in their persisted single-string form.
const Separator = ";"

// Result is the ordered, de-duplicated set of canonical numbers found in a text.
type Result struct {
	All []string
}

// Slots returns the first SlotCount numbers, padding with empty strings.
func (r Result) Slots() [SlotCount]string {
	var slots [SlotCount]string
	for index := 0; index < SlotCount && index < len(r.All); index++ {
		slots[index] = r.All[index]
	}
	return slots
}

// Joined returns the persisted representation of the result.
func (r Result) Joined() string {
	return Join(r.All)
}

// Extract scans text with every candidate stage, unions the raw matches in stage order,
// normalizes them and removes duplicates. Identical input always yields identical output.
func Extract(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{All: []string{}}
	}
	var candidates []string
	for _, stage := range stages {
		candidates = append(candidates, stage(text)...)
	}
	return Result{All: NormalizeAll(dedupe(candidates))}
}

// NormalizeAll normalizes every value and drops empties and duplicates, keeping first-seen order.
func NormalizeAll(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		if canonical := Normalize(value); canonical != "" {
			normalized = append(normalized, canonical)
		}
	}
	return dedupe(normalized)
}

// Normalize drops everything except digits and a leading '+', then rewrites a leading
// +62 or 62 to 0.
func Normalize(raw string) string {
	var builder strings.Builder
	builder.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '+' && builder.Len() == 0:
			builder.WriteRune(r)
		}
	}
	cleaned := builder.String()
	switch {
	case strings.HasPrefix(cleaned, "+62"):
		return "0" + cleaned[3:]
	case strings.HasPrefix(cleaned, "62"):
		return "0" + cleaned[2:]
	case cleaned == "+":
		return ""
	}
	return cleaned
}

// Join renders canonical numbers as a single persisted string.
func Join(values []string) string {
	return strings.Join(values, Separator)
}

// Split parses a persisted phone string back into its numbers.
func Split(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ';' || r == ',' || r == '\n' || r == '|'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Canonicalize rewrites an editor supplied list of numbers into the persisted form.
func Canonicalize(value string) string {
	return Join(NormalizeAll(Split(value)))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
