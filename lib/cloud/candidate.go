// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"fmt"
	"sort"
	"strings"
)

// A Candidate names a purchasable resource: an instance type (or
// accelerator requirement) on one cloud, optionally pinned to a
// region and zone.
//
// The same type serves as a block pattern. In that role a zero field
// means "match any": an empty Cloud/Region/Zone/InstanceType matches
// every value, an empty Accelerators map matches every accelerator
// set, and a nil Preemptible matches both markets.
type Candidate struct {
	Cloud        string             `json:"cloud,omitempty"`
	Region       string             `json:"region,omitempty"`
	Zone         string             `json:"zone,omitempty"`
	InstanceType string             `json:"instance_type,omitempty"`
	Accelerators map[string]float64 `json:"accelerators,omitempty"`
	Preemptible  *bool              `json:"preemptible,omitempty"`
}

// Bool returns a *bool suitable for Candidate.Preemptible.
func Bool(v bool) *bool { return &v }

// IsPreemptible reports whether c asks for interruptible capacity.
// An unset Preemptible field means on-demand.
func (c Candidate) IsPreemptible() bool {
	return c.Preemptible != nil && *c.Preemptible
}

// Match reports whether pattern p matches target c: every field that
// is set on p must equal the corresponding field of c. Accelerator
// maps compare as a whole (same names, same counts).
func (p Candidate) Match(c Candidate) bool {
	if p.Cloud != "" && p.Cloud != c.Cloud {
		return false
	}
	if p.Region != "" && p.Region != c.Region {
		return false
	}
	if p.Zone != "" && p.Zone != c.Zone {
		return false
	}
	if p.InstanceType != "" && p.InstanceType != c.InstanceType {
		return false
	}
	if len(p.Accelerators) > 0 && !accelEqual(p.Accelerators, c.Accelerators) {
		return false
	}
	if p.Preemptible != nil && *p.Preemptible != c.IsPreemptible() {
		return false
	}
	return true
}

func accelEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for name, count := range a {
		if b[name] != count {
			return false
		}
	}
	return true
}

// String returns a compact form for logs, like
// "aws/us-east-1/us-east-1a/p4d.24xlarge{A100:8}[spot]". Unset
// fields appear as "*" so block patterns read unambiguously.
func (c Candidate) String() string {
	star := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	parts := []string{star(c.Cloud), star(c.Region)}
	if c.Zone != "" {
		parts = append(parts, c.Zone)
	}
	parts = append(parts, star(c.InstanceType))
	s := strings.Join(parts, "/")
	if len(c.Accelerators) > 0 {
		names := make([]string, 0, len(c.Accelerators))
		for name := range c.Accelerators {
			names = append(names, name)
		}
		sort.Strings(names)
		accels := make([]string, 0, len(names))
		for _, name := range names {
			accels = append(accels, fmt.Sprintf("%s:%g", name, c.Accelerators[name]))
		}
		s += "{" + strings.Join(accels, ",") + "}"
	}
	if c.IsPreemptible() {
		s += "[spot]"
	}
	return s
}
