package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// DecodeFields parses a capability answer, tolerating surrounding code fences and prose. Each
// field is coerced on its own: numbers become strings, a bare string becomes a one-item list
// and any other mistyped field is dropped without discarding the rest of the answer.
func DecodeFields(content string) (Fields, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Fields{}, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}
	sanitized := sanitizeJSONPayload(trimmed)
	if sanitized == "" {
		return Fields{}, fmt.Errorf("%w: empty payload after fence removal", ErrMalformedResponse)
	}
	if !gjson.Valid(sanitized) {
		return Fields{}, fmt.Errorf("%w: invalid json (payload snippet: %s)", ErrMalformedResponse, summarizePayloadSnippet(sanitized))
	}
	root := gjson.Parse(sanitized)
	if !root.IsObject() {
		return Fields{}, fmt.Errorf("%w: expected an object (payload snippet: %s)", ErrMalformedResponse, summarizePayloadSnippet(sanitized))
	}
	return Fields{
		EventTitle:      scalarField(root.Get("eventTitle")),
		EventOrganizer:  scalarField(root.Get("eventOrganizer")),
		PhoneNumbers:    listField(root.Get("phoneNumbers")),
		EventDate:       scalarField(root.Get("eventDate")),
		EventLocation:   scalarField(root.Get("eventLocation")),
		RegistrationFee: scalarField(root.Get("registrationFee")),
		ContactPersons:  listField(root.Get("contactPersons")),
	}, nil
}

func scalarField(result gjson.Result) *string {
	value, ok := scalarText(result)
	if !ok {
		return nil
	}
	return &value
}

func scalarText(result gjson.Result) (string, bool) {
	var value string
	switch result.Type {
	case gjson.String:
		value = strings.TrimSpace(result.Str)
	case gjson.Number:
		value = result.Raw
	default:
		return "", false
	}
	return value, value != ""
}

// listField keeps arrays, wraps a bare string and drops anything else. Object items such as
// {"name": ..., "phone": ...} are flattened into their scalar values.
func listField(result gjson.Result) []string {
	switch {
	case result.IsArray():
		values := make([]string, 0, len(result.Array()))
		for _, item := range result.Array() {
			if text, ok := itemText(item); ok {
				values = append(values, text)
			}
		}
		return values
	case result.Type == gjson.String:
		if text, ok := scalarText(result); ok {
			return []string{text}
		}
	}
	return []string{}
}

func itemText(item gjson.Result) (string, bool) {
	if !item.IsObject() {
		return scalarText(item)
	}
	var parts []string
	item.ForEach(func(_, value gjson.Result) bool {
		if text, ok := scalarText(value); ok {
			parts = append(parts, text)
		}
		return true
	})
	return strings.Join(parts, " "), len(parts) > 0
}

func sanitizeJSONPayload(content string) string {
	trimmed := strings.TrimSpace(stripCodeFenceBlock(content))
	if trimmed == "" || trimmed[0] == '{' {
		return trimmed
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return strings.TrimSpace(trimmed[start : end+1])
		}
	}
	return trimmed
}

func stripCodeFenceBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimLeft(trimmed[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func summarizePayloadSnippet(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
