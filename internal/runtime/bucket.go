// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package runtime

import "github.com/hjjiang123/MicroSentinel/internal/mode"

// BucketState is the token-bucket budget the orchestrator maintains
// independent of which mode arm is currently active (spec §3, §4.15).
type BucketState struct {
	SentinelBudget   uint64
	DiagnosticBudget uint64
	HardDropNs       uint64
}

// BucketUpdateRequest is a partial update accepted by handle_bucket_update;
// nil fields are left unchanged.
type BucketUpdateRequest struct {
	SentinelBudget   *uint64
	DiagnosticBudget *uint64
	HardDropNs       *uint64
}

// Apply merges req into the receiver, auto-lifting the diagnostic budget
// to at least the sentinel budget when only the sentinel budget changed
// (spec §4.15: "auto-lifting diagnostic to >= sentinel when sentinel
// alone changes"). It reports whether any of the three fields changed,
// including the budget of an arm that is not active; HandleBucketUpdate
// does not use this result and compares the active arm's budget and the
// hard-drop threshold itself to decide whether to reprogram.
func (b *BucketState) Apply(req BucketUpdateRequest) (changed bool) {
	if req.SentinelBudget != nil && *req.SentinelBudget != b.SentinelBudget {
		b.SentinelBudget = *req.SentinelBudget
		changed = true
		if req.DiagnosticBudget == nil && b.DiagnosticBudget < b.SentinelBudget {
			b.DiagnosticBudget = b.SentinelBudget
		}
	}
	if req.DiagnosticBudget != nil && *req.DiagnosticBudget != b.DiagnosticBudget {
		b.DiagnosticBudget = *req.DiagnosticBudget
		changed = true
	}
	if req.HardDropNs != nil && *req.HardDropNs != b.HardDropNs {
		b.HardDropNs = *req.HardDropNs
		changed = true
	}
	return changed
}

// BudgetFor returns the budget that applies to m.
func (b *BucketState) BudgetFor(m mode.Mode) uint64 {
	if m == mode.Diagnostic {
		return b.DiagnosticBudget
	}
	return b.SentinelBudget
}
