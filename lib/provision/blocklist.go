// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"sync"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
)

// A blockList records resource patterns that have failed during one
// provisioning session and must not be retried within it. Patterns
// only accumulate; with a zero TTL nothing expires a block before the
// session ends.
type blockList struct {
	ttl     time.Duration
	timeNow func() time.Time

	mtx      sync.Mutex
	patterns []blockedPattern
}

type blockedPattern struct {
	cloud.Candidate
	added time.Time
}

func newBlockList(ttl time.Duration, timeNow func() time.Time) *blockList {
	return &blockList{ttl: ttl, timeNow: timeNow}
}

// Block adds a pattern. Unset pattern fields match any value, so
// Block(Candidate{Cloud: "aws", Region: "us-east-1"}) blocks
// everything in that region.
func (bl *blockList) Block(pattern cloud.Candidate) {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.patterns = append(bl.patterns, blockedPattern{Candidate: pattern, added: bl.timeNow()})
}

// IsBlocked reports whether any recorded pattern matches c.
func (bl *blockList) IsBlocked(c cloud.Candidate) bool {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.prune()
	for _, pattern := range bl.patterns {
		if pattern.Match(c) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the recorded patterns, for reporting.
func (bl *blockList) Patterns() []cloud.Candidate {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.prune()
	out := make([]cloud.Candidate, 0, len(bl.patterns))
	for _, p := range bl.patterns {
		out = append(out, p.Candidate)
	}
	return out
}

func (bl *blockList) Len() int {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.prune()
	return len(bl.patterns)
}

// prune drops expired patterns. Caller must hold mtx.
func (bl *blockList) prune() {
	if bl.ttl <= 0 {
		return
	}
	cutoff := bl.timeNow().Add(-bl.ttl)
	kept := bl.patterns[:0]
	for _, p := range bl.patterns {
		if p.added.After(cutoff) {
			kept = append(kept, p)
		}
	}
	bl.patterns = kept
}
