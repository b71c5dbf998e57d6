// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback provides a cloud driver that launches imaginary
// instances from a configured stock. It is used in tests, demos, and
// development environments where no real cloud account is available.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/config"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(newLauncher)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type capacityError struct {
	error
	typeSpecific bool
}

func (e capacityError) IsCapacityError() bool        { return true }
func (e capacityError) IsInstanceTypeSpecific() bool { return e.typeSpecific }

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

// StockEntry is launchable inventory: Count instances of the given
// shape. Count 0 means unlimited.
type StockEntry struct {
	Region       string             `json:"region"`
	Zone         string             `json:"zone,omitempty"`
	InstanceType string             `json:"instance_type,omitempty"`
	Accelerators map[string]float64 `json:"accelerators,omitempty"`
	Count        int                `json:"count,omitempty"`
}

func (se StockEntry) matches(c cloud.Candidate) bool {
	pattern := cloud.Candidate{
		Region:       se.Region,
		Zone:         se.Zone,
		InstanceType: se.InstanceType,
		Accelerators: se.Accelerators,
	}
	// ignore cloud name and market, stock covers both
	pattern.Cloud = ""
	target := c
	target.Cloud = ""
	target.Preemptible = nil
	return pattern.Match(target)
}

// launcherParams is the DriverParameters schema.
type launcherParams struct {
	// Stock to launch from. Empty means everything is launchable.
	Stock []StockEntry `json:"stock"`
	// Candidate patterns that availability checks report as
	// having no capacity.
	Unavailable []cloud.Candidate `json:"unavailable"`
	// Candidate patterns whose launch fails with a quota error.
	QuotaErrors []cloud.Candidate `json:"quota_errors"`
	// Fail every Nth launch attempt with a rate limit error
	// telling the caller to retry after RateLimitDelay. 0
	// disables.
	RateLimitEvery int             `json:"rate_limit_every"`
	RateLimitDelay config.Duration `json:"rate_limit_delay"`
	// Simulated launch latency.
	Latency config.Duration `json:"latency"`
	// StaticOnly hides the availability check API, like a cloud
	// that only publishes static catalogs.
	StaticOnly bool `json:"static_only"`
}

type launcher struct {
	params  launcherParams
	logger  logrus.FieldLogger
	mtx     sync.Mutex
	stock   []StockEntry
	created []cloud.InstanceHandle
	calls   int
	serial  int
	stopped bool
}

func newLauncher(params json.RawMessage, logger logrus.FieldLogger) (cloud.Launcher, error) {
	lp := launcherParams{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &lp); err != nil {
			return nil, fmt.Errorf("error decoding loopback driver parameters: %w", err)
		}
	}
	l := &launcher{
		params: lp,
		logger: logger,
		stock:  append([]StockEntry(nil), lp.Stock...),
	}
	if lp.StaticOnly {
		return staticLauncher{l}, nil
	}
	return l, nil
}

// Launch hands out an instance from stock. It fails the way real
// clouds fail: quota errors for configured patterns, capacity errors
// when stock has run dry, rate limit errors on a configured cadence.
func (l *launcher) Launch(ctx context.Context, c cloud.Candidate) (cloud.InstanceHandle, error) {
	if delay := l.params.Latency.Duration(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return cloud.InstanceHandle{}, ctx.Err()
		}
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.stopped {
		return cloud.InstanceHandle{}, errors.New("loopback driver: Launch called after Stop")
	}
	l.calls++
	if every := l.params.RateLimitEvery; every > 0 && l.calls%every == 0 {
		return cloud.InstanceHandle{}, rateLimitError{
			error:         errors.New("loopback driver: simulated rate limit"),
			earliestRetry: time.Now().Add(l.params.RateLimitDelay.Duration()),
		}
	}
	for _, pattern := range l.params.QuotaErrors {
		if pattern.Match(c) {
			return cloud.InstanceHandle{}, quotaError(fmt.Sprintf("loopback driver: quota exhausted for %s", pattern))
		}
	}
	if len(l.params.Stock) > 0 {
		idx := -1
		regionSeen := false
		for i, se := range l.stock {
			if se.Region == c.Region {
				regionSeen = true
			}
			if se.matches(c) && (se.Count > 0 || l.params.Stock[i].Count == 0) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return cloud.InstanceHandle{}, capacityError{
				error:        fmt.Errorf("loopback driver: no capacity for %s", c),
				typeSpecific: regionSeen,
			}
		}
		if l.stock[idx].Count > 0 {
			l.stock[idx].Count--
		}
	}
	l.serial++
	handle := cloud.InstanceHandle{
		ID:           cloud.InstanceID(fmt.Sprintf("loop-%d", l.serial)),
		Cloud:        c.Cloud,
		Region:       c.Region,
		Zone:         c.Zone,
		InstanceType: c.InstanceType,
		Preemptible:  c.IsPreemptible(),
		Address:      "127.0.0.1",
		LaunchedAt:   time.Now(),
	}
	l.created = append(l.created, handle)
	l.logger.WithFields(logrus.Fields{
		"Instance":  handle.ID,
		"Candidate": c.String(),
	}).Info("launched instance")
	return handle, nil
}

// CheckAvailability reports Unavailable for configured patterns and
// Available for everything else.
func (l *launcher) CheckAvailability(ctx context.Context, c cloud.Candidate) (cloud.Availability, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.stopped {
		return cloud.Unknown, errors.New("loopback driver: CheckAvailability called after Stop")
	}
	for _, pattern := range l.params.Unavailable {
		if pattern.Match(c) {
			return cloud.Unavailable, nil
		}
	}
	return cloud.Available, nil
}

func (l *launcher) Stop() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.stopped = true
}

// Created returns the handles launched so far.
func (l *launcher) Created() []cloud.InstanceHandle {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]cloud.InstanceHandle(nil), l.created...)
}

// staticLauncher exposes Launch but not CheckAvailability, so
// callers treat it as a catalog-only cloud.
type staticLauncher struct {
	l *launcher
}

func (sl staticLauncher) Launch(ctx context.Context, c cloud.Candidate) (cloud.InstanceHandle, error) {
	return sl.l.Launch(ctx, c)
}

func (sl staticLauncher) Stop() {
	sl.l.Stop()
}
