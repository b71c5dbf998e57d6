// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the contracts between the provisioning core
// and the per-cloud adapters that know how to create instances.
package cloud

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Launcher when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Launcher when the cloud
// service indicates the account cannot create more instances than
// already exist.
type QuotaError interface {
	// If true, don't try to create more instances until some
	// existing instances are destroyed. If false, don't handle
	// the error as a quota error.
	IsQuotaError() bool
	error
}

// A CapacityError should be returned by a Launcher when the cloud
// service indicates it has insufficient capacity to create new
// instances, i.e., even if the account is not at quota, the
// provider cannot satisfy the request right now.
type CapacityError interface {
	// If true, wait before trying to create more instances.
	IsCapacityError() bool
	// If true, the condition is specific to the requested
	// instance type or zone, and trying a different zone or type
	// may succeed.
	IsInstanceTypeSpecific() bool
	error
}

// InstanceID is a provider-assigned identifier for a created
// instance, unique within the provider account.
type InstanceID string

// Availability is a live-capacity verdict from a cloud that supports
// regional availability checks.
type Availability int

const (
	// Unknown means the cloud cannot answer, or was not asked.
	// The caller proceeds to a launch attempt.
	Unknown Availability = iota
	// Available means the cloud reports launchable capacity.
	Available
	// Unavailable means the cloud reports no capacity, and the
	// caller should skip the launch attempt.
	Unavailable
)

func (av Availability) String() string {
	switch av {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// InstanceHandle describes an instance that has been created. It is
// the end of the provisioning core's responsibility: connecting to,
// using, and destroying the instance are up to the caller.
type InstanceHandle struct {
	ID           InstanceID `json:"id"`
	Cloud        string     `json:"cloud"`
	Region       string     `json:"region"`
	Zone         string     `json:"zone,omitempty"`
	InstanceType string     `json:"instance_type"`
	Preemptible  bool       `json:"preemptible,omitempty"`
	Address      string     `json:"address,omitempty"`
	LaunchedAt   time.Time  `json:"launched_at"`
}

// A Launcher creates instances on one cloud provider using one set
// of credentials.
//
// Launch returns a typed error (RateLimitError, QuotaError,
// CapacityError) when the provider's response can be classified;
// otherwise any error indicates the instance was not created.
//
// A Launcher may also implement AvailabilityChecker. The provisioning
// core discovers this with a type assertion; a Launcher without it is
// treated as static-only and its candidates proceed straight to
// launch attempts.
type Launcher interface {
	Launch(ctx context.Context, c Candidate) (InstanceHandle, error)

	// Stop any background tasks and release resources. May be
	// called multiple times.
	Stop()
}

// An AvailabilityChecker answers live capacity queries scoped to a
// region (and zone, where the provider exposes one). Implementations
// should return Unknown rather than an error when the provider gives
// an unclassifiable answer: callers treat a checker error as
// Unavailable and skip the zone rather than launch blind.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, c Candidate) (Availability, error)
}

// A Driver returns a Launcher that uses the given driver-dependent
// configuration parameters.
type Driver interface {
	Launcher(params json.RawMessage, logger logrus.FieldLogger) (Launcher, error)
}

// DriverFunc makes a Driver using the provided function as its
// Launcher method.
func DriverFunc(fn func(params json.RawMessage, logger logrus.FieldLogger) (Launcher, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(params json.RawMessage, logger logrus.FieldLogger) (Launcher, error)

func (df driverFunc) Launcher(params json.RawMessage, logger logrus.FieldLogger) (Launcher, error) {
	return df(params, logger)
}
