// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package rules

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator instances cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

var knownFields = map[Field]struct{}{
	FieldConcurrentStreams: {}, FieldUniqueIPs: {}, FieldUniqueDevices: {},
	FieldUniqueCities: {}, FieldSessionsStarted: {},
	FieldVideoDecision: {}, FieldQualityProfile: {}, FieldVideoResolution: {},
	FieldBitrateKbps: {}, FieldMediaType: {},
	FieldTrustScore: {}, FieldSessionCount: {},
	FieldPlatform: {}, FieldPlayer: {}, FieldDeviceID: {},
	FieldIPAddress: {}, FieldLocal: {}, FieldCountry: {}, FieldCity: {}, FieldASN: {},
	FieldServerID: {}, FieldServerType: {},
}

var knownOperators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpNotIn: {}, OpContains: {}, OpNotContains: {},
}

var knownActions = map[ActionType]struct{}{
	ActionCreateViolation: {}, ActionLogOnly: {}, ActionNotify: {},
	ActionAdjustTrust: {}, ActionSetTrust: {}, ActionResetTrust: {},
	ActionKillStream: {}, ActionMessageClient: {},
}

var knownTargets = map[SessionTarget]struct{}{
	"": {}, TargetTriggering: {}, TargetOldest: {}, TargetNewest: {},
	TargetAllExceptOne: {}, TargetAllUser: {},
}

// ValidateRule checks a user-authored rule definition before it is persisted.
// Structural constraints come from validator tags; enumeration membership and
// the group/condition cardinality invariants are checked explicitly.
//
// A rule with zero groups is accepted (it simply never matches); a group with
// zero conditions is rejected.
func ValidateRule(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	for gi, group := range r.Conditions.Groups {
		if len(group.Conditions) == 0 {
			return fmt.Errorf("rule %q: group %d has no conditions", r.Name, gi)
		}
		for ci, cond := range group.Conditions {
			if _, ok := knownFields[cond.Field]; !ok {
				return fmt.Errorf("rule %q: group %d condition %d: unknown field %q", r.Name, gi, ci, cond.Field)
			}
			if _, ok := knownOperators[cond.Operator]; !ok {
				return fmt.Errorf("rule %q: group %d condition %d: unknown operator %q", r.Name, gi, ci, cond.Operator)
			}
		}
	}

	for ai, action := range r.Actions {
		if _, ok := knownActions[action.Type]; !ok {
			return fmt.Errorf("rule %q: action %d: unknown type %q", r.Name, ai, action.Type)
		}
		if _, ok := knownTargets[action.Target]; !ok {
			return fmt.Errorf("rule %q: action %d: unknown target %q", r.Name, ai, action.Target)
		}
	}

	return nil
}
