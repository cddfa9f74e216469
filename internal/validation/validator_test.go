package validation

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

// TestEncode_validPayloads verifies one valid payload per category passes.
func TestEncode_validPayloads(t *testing.T) {
	v := newValidator(t)

	cases := []models.Payload{
		models.DetectionPayload{ClassName: "person", Confidence: 0.92, BBox: [4]float64{0.1, 0.2, 0.3, 0.4}, Layer: "safety"},
		models.QueryPayload{InputText: "what is ahead", RoutedTarget: "vision", ResponseText: "a door", LatencyMS: 412},
		models.LogPayload{Level: "warn", Component: "camera", Message: "frame dropped", Fields: map[string]interface{}{"fps": 12.0}},
		models.HeartbeatPayload{UptimeSeconds: 3600, CPUPercent: 41.5, MemoryPercent: 63, TemperatureC: 58.2},
		models.AdaptiveVocabularyPayload{Word: "stroller", Source: "learner", Confidence: 0.7},
	}

	for _, p := range cases {
		t.Run(string(p.Category()), func(t *testing.T) {
			data, err := v.Encode(p)
			require.NoError(t, err)

			decoded, err := models.DecodePayload(p.Category(), data)
			require.NoError(t, err)
			assert.Equal(t, p, decoded)
		})
	}
}

// TestEncode_rejects verifies schema and range violations are VALIDATION_ERRORs.
func TestEncode_rejects(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		payload models.Payload
	}{
		{"nil payload", nil},
		{"confidence above one", models.DetectionPayload{ClassName: "person", Confidence: 1.2, Layer: "safety"}},
		{"bbox outside unit square", models.DetectionPayload{ClassName: "car", Confidence: 0.5, BBox: [4]float64{0, 0, 1.5, 1}}},
		{"missing class", models.DetectionPayload{Confidence: 0.5}},
		{"negative latency", models.QueryPayload{InputText: "hi", LatencyMS: -1}},
		{"empty query", models.QueryPayload{}},
		{"unknown log level", models.LogPayload{Level: "fatal", Message: "x"}},
		{"cpu above hundred", models.HeartbeatPayload{CPUPercent: 140}},
		{"empty word", models.AdaptiveVocabularyPayload{Confidence: 0.1}},
		{"oversized", models.LogPayload{Level: "info", Message: strings.Repeat("a", MaxPayloadBytes)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Encode(tt.payload)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

// TestCheck_NaN verifies NaN values are rejected by the Go-side checks.
func TestCheck_NaN(t *testing.T) {
	p := models.DetectionPayload{ClassName: "person", Confidence: math.NaN()}
	assert.Error(t, p.Check())
}

// TestValidateRaw verifies raw payload checking, including unknown fields.
func TestValidateRaw(t *testing.T) {
	v := newValidator(t)

	good := json.RawMessage(`{"word":"curb","source":"learner","confidence":0.4}`)
	assert.NoError(t, v.ValidateRaw(models.CategoryAdaptiveVocabulary, good))

	bad := json.RawMessage(`{"word":"curb","source":"learner","confidence":"high"}`)
	assert.Error(t, v.ValidateRaw(models.CategoryAdaptiveVocabulary, bad))

	assert.Error(t, v.ValidateRaw(models.Category("video"), good))
}
