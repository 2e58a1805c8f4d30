// Package capture defines the raw post captures produced by a scraping session, the
// extracted field set computed for each of them, and the sources that deliver captures
// to the pipeline.
package capture

import (
	"github.com/arachnova/eventscout/internal/phones"
)

// Provenance tags which path produced an ExtractedFields value.
type Provenance string

const (
	// SourceAugmented marks fields produced by the augmented extraction capability.
	SourceAugmented Provenance = "augmented"
	// SourceHeuristic marks fields produced by the deterministic heuristics alone.
	SourceHeuristic Provenance = "heuristic"
	// SourceError marks heuristic fields computed after the capability failed.
	SourceError Provenance = "error"
)

// RawCapture is one captured post. It is immutable once delivered.
type RawCapture struct {
	SessionID  string `json:"session_id"`
	PostIndex  int    `json:"post_index"`
	PostURL    string `json:"post_url"`
	RawCaption string `json:"raw_caption"`
	RawDate    string `json:"raw_date"`
	ImageURL   string `json:"image_url"`
}

// ExtractedFields is the structured event metadata computed once per post.
type ExtractedFields struct {
	EventTitle     *string    `json:"event_title"`
	Organizer      *string    `json:"organizer"`
	EventDate      *string    `json:"event_date"`
	Location       *string    `json:"location"`
	Fee            *string    `json:"fee"`
	PhoneNumbers   []string   `json:"phone_numbers"`
	ContactPersons []string   `json:"contact_persons"`
	Source         Provenance `json:"source"`
}

// Record pairs a capture with its extracted fields, as persisted in the archive.
type Record struct {
	Capture RawCapture      `json:"capture"`
	Fields  ExtractedFields `json:"fields"`
}

// PhoneSlots exposes the first four canonical phone numbers.
func (r Record) PhoneSlots() [phones.SlotCount]string {
	return phones.Result{All: r.Fields.PhoneNumbers}.Slots()
}

// HasPhone reports whether at least one phone number was extracted.
func (r Record) HasPhone() bool {
	return len(r.Fields.PhoneNumbers) > 0
}

// Text dereferences an optional field, returning "" for nil.
func Text(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// Optional returns nil for blank values and a pointer otherwise.
func Optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
