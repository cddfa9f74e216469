package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Payload is the category-specific body of an event. Each category has
// exactly one payload type.
type Payload interface {
	Category() Category
	// Check validates value ranges that a JSON schema cannot express cleanly.
	Check() error
}

// DetectionPayload is an object detection from a perception layer.
type DetectionPayload struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // normalized x1, y1, x2, y2
	Layer      string     `json:"layer"`
}

func (DetectionPayload) Category() Category { return CategoryDetection }

func (p DetectionPayload) Check() error {
	if strings.TrimSpace(p.ClassName) == "" {
		return fmt.Errorf("class_name is required")
	}
	if !unit(p.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	for i, v := range p.BBox {
		if !unit(v) {
			return fmt.Errorf("bbox[%d] %v outside [0,1]", i, v)
		}
	}
	return nil
}

// QueryPayload is one voice query and the routed answer.
type QueryPayload struct {
	InputText    string  `json:"input_text"`
	RoutedTarget string  `json:"routed_target"`
	ResponseText string  `json:"response_text"`
	LatencyMS    float64 `json:"latency_ms"`
	Tier         string  `json:"tier,omitempty"`
}

func (QueryPayload) Category() Category { return CategoryQuery }

func (p QueryPayload) Check() error {
	if strings.TrimSpace(p.InputText) == "" {
		return fmt.Errorf("input_text is required")
	}
	if p.LatencyMS < 0 || math.IsNaN(p.LatencyMS) {
		return fmt.Errorf("latency_ms must be >= 0")
	}
	return nil
}

// LogPayload is a system log line worth keeping on the dashboard.
type LogPayload struct {
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (LogPayload) Category() Category { return CategoryLog }

func (p LogPayload) Check() error {
	switch p.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level %q not one of debug|info|warn|error", p.Level)
	}
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// HeartbeatPayload is a periodic device health sample.
type HeartbeatPayload struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	TemperatureC  float64 `json:"temperature_c"`
}

func (HeartbeatPayload) Category() Category { return CategoryHeartbeat }

func (p HeartbeatPayload) Check() error {
	if p.UptimeSeconds < 0 {
		return fmt.Errorf("uptime_seconds must be >= 0")
	}
	if p.CPUPercent < 0 || p.CPUPercent > 100 {
		return fmt.Errorf("cpu_percent %v outside [0,100]", p.CPUPercent)
	}
	if p.MemoryPercent < 0 || p.MemoryPercent > 100 {
		return fmt.Errorf("memory_percent %v outside [0,100]", p.MemoryPercent)
	}
	return nil
}

// AdaptiveVocabularyPayload is a word learned by the adaptive layer.
type AdaptiveVocabularyPayload struct {
	Word       string  `json:"word"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

func (AdaptiveVocabularyPayload) Category() Category { return CategoryAdaptiveVocabulary }

func (p AdaptiveVocabularyPayload) Check() error {
	if strings.TrimSpace(p.Word) == "" {
		return fmt.Errorf("word is required")
	}
	if !unit(p.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// DecodePayload unmarshals raw into the payload type for c.
func DecodePayload(c Category, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch c {
	case CategoryDetection:
		var v DetectionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryQuery:
		var v QueryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryLog:
		var v LogPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryHeartbeat:
		var v HeartbeatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryAdaptiveVocabulary:
		var v AdaptiveVocabularyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown category %q", c)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", c, err)
	}
	return p, nil
}
