// Package extraction turns a caption into ExtractedFields, using the augmented capability
// when it is enabled and deterministic heuristics otherwise or on failure.
package extraction

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/capture"
	"github.com/arachnova/eventscout/internal/llm"
	"github.com/arachnova/eventscout/internal/phones"
)

// Capability is the request/response contract of the augmented extractor.
type Capability interface {
	ExtractFields(ctx context.Context, caption string) (llm.Fields, error)
}

// Config wires the engine dependencies.
type Config struct {
	Capability Capability
	Enabled    bool
	Logger     *zap.Logger
}

// Engine computes ExtractedFields for captions. It never returns an error.
type Engine struct {
	capability Capability
	enabled    bool
	logger     *zap.Logger
}

var errMissingCapability = errors.New("extraction: capability required when enabled")

// NewEngine validates the configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Enabled && cfg.Capability == nil {
		return nil, errMissingCapability
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{capability: cfg.Capability, enabled: cfg.Enabled, logger: logger}, nil
}

// Enabled reports whether captions are sent to the capability.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Extract resolves every failure path to a valid value tagged with its provenance.
func (e *Engine) Extract(ctx context.Context, caption string) capture.ExtractedFields {
	if !e.enabled || strings.TrimSpace(caption) == "" {
		return heuristicFields(caption, capture.SourceHeuristic)
	}
	result, err := e.capability.ExtractFields(ctx, caption)
	if err != nil {
		e.logger.Warn(
			"capability extraction failed, using heuristics",
			zap.String("source", string(capture.SourceError)),
			zap.Bool("unavailable", errors.Is(err, llm.ErrCapabilityUnavailable)),
			zap.Error(err),
		)
		return heuristicFields(caption, capture.SourceError)
	}
	return mergeCapability(caption, result)
}

func heuristicFields(caption string, source capture.Provenance) capture.ExtractedFields {
	return capture.ExtractedFields{
		EventTitle:     HeuristicTitle(caption),
		Organizer:      HeuristicOrganizer(caption),
		PhoneNumbers:   phones.Extract(caption).All,
		ContactPersons: []string{},
		Source:         source,
	}
}

// mergeCapability keeps capability values where present. Capability phones are normalized;
// when none survive, the caption is scanned instead.
func mergeCapability(caption string, result llm.Fields) capture.ExtractedFields {
	title := nonBlank(result.EventTitle)
	if title == nil {
		title = HeuristicTitle(caption)
	}
	organizer := nonBlank(result.EventOrganizer)
	if organizer == nil {
		organizer = HeuristicOrganizer(caption)
	}
	numbers := phones.NormalizeAll(result.PhoneNumbers)
	if len(numbers) == 0 {
		numbers = phones.Extract(caption).All
	}
	return capture.ExtractedFields{
		EventTitle:     title,
		Organizer:      organizer,
		EventDate:      nonBlank(result.EventDate),
		Location:       nonBlank(result.EventLocation),
		Fee:            nonBlank(result.RegistrationFee),
		PhoneNumbers:   numbers,
		ContactPersons: contacts(result.ContactPersons),
		Source:         capture.SourceAugmented,
	}
}

func nonBlank(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}

func contacts(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
