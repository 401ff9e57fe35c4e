// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package rules

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// LegacyRule is the flat pre-v1 rule format: a type tag plus a parameter
// blob. Persisted legacy rows are converted once at startup into the
// structured format; the legacy shape has no runtime significance afterwards.
type LegacyRule struct {
	ID     uuid.UUID       `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// legacy parameter shapes, one per legacy rule type.
type (
	legacyConcurrentParams struct {
		MaxStreams int  `json:"max_streams"`
		Kill       bool `json:"kill"`
	}
	legacyGeoParams struct {
		BlockedCountries []string `json:"blocked_countries"`
	}
	legacyTranscodeParams struct {
		MaxBitrateKbps int64 `json:"max_bitrate_kbps"`
	}
	legacyDeviceVelocityParams struct {
		WindowHours  int `json:"window_hours"`
		MaxUniqueIPs int `json:"max_unique_ips"`
	}
)

// ConvertLegacy translates one flat legacy rule into the structured
// condition-group format. Unknown legacy types are an error; the caller
// decides whether to halt or skip the row.
func ConvertLegacy(legacy LegacyRule) (Rule, error) {
	rule := Rule{
		ID:        legacy.ID,
		Name:      legacy.Name,
		Enabled:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	switch legacy.Type {
	case "max_concurrent_streams":
		var p legacyConcurrentParams
		if err := json.Unmarshal(legacy.Params, &p); err != nil {
			return Rule{}, fmt.Errorf("legacy rule %s: %w", legacy.Type, err)
		}
		if p.MaxStreams <= 0 {
			p.MaxStreams = 3
		}
		rule.Conditions = singleGroup(Condition{
			Field:    FieldConcurrentStreams,
			Operator: OpGt,
			Value:    float64(p.MaxStreams),
		})
		rule.Actions = []Action{{Type: ActionCreateViolation, Severity: models.SeverityMedium}}
		if p.Kill {
			rule.Actions = append(rule.Actions, Action{
				Type:   ActionKillStream,
				Target: TargetAllExceptOne,
			})
		}

	case "blocked_countries":
		var p legacyGeoParams
		if err := json.Unmarshal(legacy.Params, &p); err != nil {
			return Rule{}, fmt.Errorf("legacy rule %s: %w", legacy.Type, err)
		}
		rule.Conditions = singleGroup(Condition{
			Field:    FieldCountry,
			Operator: OpIn,
			Value:    toAnySlice(p.BlockedCountries),
		})
		rule.Actions = []Action{
			{Type: ActionCreateViolation, Severity: models.SeverityHigh},
			{Type: ActionKillStream, Target: TargetTriggering},
		}

	case "transcode_bitrate_limit":
		var p legacyTranscodeParams
		if err := json.Unmarshal(legacy.Params, &p); err != nil {
			return Rule{}, fmt.Errorf("legacy rule %s: %w", legacy.Type, err)
		}
		rule.Conditions = ConditionSet{Groups: []ConditionGroup{{
			Conditions: []Condition{
				{Field: FieldVideoDecision, Operator: OpEq, Value: "transcode"},
				{Field: FieldBitrateKbps, Operator: OpGt, Value: float64(p.MaxBitrateKbps)},
			},
		}}}
		rule.Actions = []Action{{Type: ActionCreateViolation, Severity: models.SeverityLow}}

	case "device_velocity":
		var p legacyDeviceVelocityParams
		if err := json.Unmarshal(legacy.Params, &p); err != nil {
			return Rule{}, fmt.Errorf("legacy rule %s: %w", legacy.Type, err)
		}
		if p.WindowHours <= 0 {
			p.WindowHours = 1
		}
		if p.MaxUniqueIPs <= 0 {
			p.MaxUniqueIPs = 3
		}
		rule.Conditions = singleGroup(Condition{
			Field:       FieldUniqueIPs,
			Operator:    OpGt,
			Value:       float64(p.MaxUniqueIPs),
			WindowHours: p.WindowHours,
		})
		rule.Actions = []Action{{Type: ActionCreateViolation, Severity: models.SeverityHigh}}

	default:
		return Rule{}, fmt.Errorf("unknown legacy rule type: %q", legacy.Type)
	}

	return rule, nil
}

// ConvertLegacyBatch converts all rows, skipping (and reporting) the ones
// that fail so one malformed row does not block the migration.
func ConvertLegacyBatch(legacy []LegacyRule) (converted []Rule, failed []error) {
	for _, l := range legacy {
		rule, err := ConvertLegacy(l)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		converted = append(converted, rule)
	}
	return converted, failed
}

func singleGroup(conds ...Condition) ConditionSet {
	return ConditionSet{Groups: []ConditionGroup{{Conditions: conds}}}
}

func toAnySlice(items []string) []any {
	out := make([]any, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	return out
}
