// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stats has types for the timing fields in drover's logs and
// API responses.
package stats

import (
	"fmt"
	"strconv"
	"time"
)

// Duration is a duration that renders as a number of seconds in
// fixed-point notation, e.g., 1.500000, instead of time.Duration's
// mixed-unit format.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return fmt.Sprintf("%.6f", time.Duration(d).Seconds())
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	return d.Set(string(data))
}

// Set implements flag.Value: the argument is a number of seconds.
func (d *Duration) Set(s string) error {
	sec, err := strconv.ParseFloat(s, 64)
	if err == nil {
		*d = Duration(sec * float64(time.Second))
	}
	return err
}
