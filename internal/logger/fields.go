package logger

import (
	"strings"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

const (
	// FieldProvider is the structured log field key for the LLM provider name.
	FieldProvider = "ai_provider"
	// FieldModel is the structured log field key for the LLM model identifier.
	FieldModel = "ai_model"
	// FieldSource is the structured log field key for a source name.
	FieldSource = "source"
	// FieldSourceKind is the structured log field key for a source kind.
	FieldSourceKind = "source_kind"
	// FieldFingerprint is the structured log field key for an item fingerprint.
	FieldFingerprint = "fingerprint"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches the provided fields, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CommonFields describes the LLM provider and model. Empty values are ignored.
func CommonFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

// SourceFields describes the source an entry belongs to.
func SourceFields(src *radar.Source) []zap.Field {
	if src == nil {
		return nil
	}
	return StringFields(
		StringField{Key: FieldSource, Value: src.Name},
		StringField{Key: FieldSourceKind, Value: string(src.Kind)},
	)
}

// ForSource returns a logger annotated with the source fields.
func ForSource(logger *zap.Logger, src *radar.Source) *zap.Logger {
	return WithFields(logger, SourceFields(src)...)
}
