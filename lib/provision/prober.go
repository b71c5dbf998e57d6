// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// defaultProbeCacheSize is used when the config leaves
// ProbeCacheSize zero.
const defaultProbeCacheSize = 256

// A prober answers "is this candidate launchable right now?" for one
// cloud within one session.
//
// Clouds whose launchers implement cloud.AvailabilityChecker get a
// live regional check; everything else is static-only and always
// answers Unknown, which callers treat as "go ahead and try". A
// failing checker answers Unavailable: skipping a zone costs less
// than launching into a region the cloud could not vouch for, so the
// retry loop moves on instead of aborting the session.
//
// Checker verdicts are memoized for the life of the session, keyed by
// accelerator requirement (or instance type) and region, so zone
// sweeps within a region do not repeat identical queries. Verdicts
// derived from checker errors are not memoized; a transient endpoint
// failure does not pin the region's answer for later candidates.
type prober struct {
	logger   logrus.FieldLogger
	launcher cloud.Launcher
	timeout  time.Duration
	disabled bool
	memo     *lru.TwoQueueCache
}

func newProber(launcher cloud.Launcher, timeout time.Duration, cacheSize int, disabled bool, logger logrus.FieldLogger) *prober {
	if cacheSize <= 0 {
		cacheSize = defaultProbeCacheSize
	}
	memo, err := lru.New2Q(cacheSize)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &prober{
		logger:   logger,
		launcher: launcher,
		timeout:  timeout,
		disabled: disabled,
		memo:     memo,
	}
}

func (p *prober) probe(ctx context.Context, c cloud.Candidate) cloud.Availability {
	if p.disabled {
		return cloud.Unknown
	}
	checker, ok := p.launcher.(cloud.AvailabilityChecker)
	if !ok {
		// static-only cloud
		return cloud.Unknown
	}
	key := memoKey(c)
	if cached, ok := p.memo.Get(key); ok {
		return cached.(cloud.Availability)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	av, err := checker.CheckAvailability(ctx, c)
	if err != nil {
		p.logger.WithField("Candidate", c.String()).WithError(err).Warn("availability check failed, skipping")
		return cloud.Unavailable
	}
	p.memo.Add(key, av)
	return av
}

// memoKey ignores the zone: regional checks answer for the whole
// region, so every zone in a sweep shares one verdict.
func memoKey(c cloud.Candidate) string {
	if len(c.Accelerators) > 0 {
		names := make([]string, 0, len(c.Accelerators))
		for name := range c.Accelerators {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s:%g", name, c.Accelerators[name]))
		}
		return "gpu " + strings.Join(parts, ",") + " " + c.Region
	}
	return "type " + c.InstanceType + " " + c.Region
}
