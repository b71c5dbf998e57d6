// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision implements the retry state machine that turns a
// list of acceptable resource candidates into one running instance.
//
// A session walks the candidates chosen by price or request order,
// sweeps the catalog's zones within each candidate's region, probes
// availability where the cloud supports it, and launches. Failures
// block progressively wider resource patterns so the session never
// revisits a combination that already failed.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/drover.git/lib/catalog"
	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var errCandidateExhausted = errors.New("all zones failed or were skipped")

// An Orchestrator creates and tracks provisioning sessions. It is
// safe for concurrent use.
type Orchestrator struct {
	logger    logrus.FieldLogger
	catalog   *catalog.Cache
	launchers map[string]cloud.Launcher
	cfg       config.Provision
	timeNow   func() time.Time

	mtx      sync.Mutex
	sessions []*Session
	byID     map[string]*Session

	mSessions        *prometheus.CounterVec
	mLaunchAttempts  *prometheus.CounterVec
	mProbeResults    *prometheus.CounterVec
	mZoneSkips       *prometheus.CounterVec
	mBlockedPatterns *prometheus.CounterVec
}

// New returns an Orchestrator that launches through the given
// per-cloud launchers and consults cat for offerings, zones, and
// prices.
func New(cfg config.Provision, cat *catalog.Cache, launchers map[string]cloud.Launcher, logger logrus.FieldLogger, reg *prometheus.Registry) *Orchestrator {
	orch := &Orchestrator{
		logger:    logger,
		catalog:   cat,
		launchers: launchers,
		cfg:       cfg,
		timeNow:   time.Now,
		byID:      map[string]*Session{},
	}
	orch.registerMetrics(reg)
	return orch
}

func (orch *Orchestrator) registerMetrics(reg *prometheus.Registry) {
	orch.mSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "provision",
		Name:      "sessions_total",
		Help:      "Number of finished sessions, by outcome.",
	}, []string{"outcome"})
	orch.mLaunchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "provision",
		Name:      "launch_attempts_total",
		Help:      "Number of instance launch attempts, by cloud and result.",
	}, []string{"cloud", "result"})
	orch.mProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "provision",
		Name:      "probe_results_total",
		Help:      "Number of availability probe verdicts, by cloud and verdict.",
	}, []string{"cloud", "verdict"})
	orch.mZoneSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "provision",
		Name:      "zone_skips_total",
		Help:      "Number of zones skipped because a probe reported no capacity.",
	}, []string{"cloud"})
	orch.mBlockedPatterns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "provision",
		Name:      "blocked_patterns_total",
		Help:      "Number of resource patterns blocked during sessions.",
	}, []string{"cloud"})
	if reg != nil {
		reg.MustRegister(orch.mSessions)
		reg.MustRegister(orch.mLaunchAttempts)
		reg.MustRegister(orch.mProbeResults)
		reg.MustRegister(orch.mZoneSkips)
		reg.MustRegister(orch.mBlockedPatterns)
	}
}

// NewSession validates a request and returns a session ready to Run.
// The session is registered with the orchestrator until the process
// exits; management APIs can inspect it by ID.
func (orch *Orchestrator) NewSession(req Request) (*Session, error) {
	if len(req.Candidates) == 0 {
		return nil, errors.New("request does not list any candidates")
	}
	for i, c := range req.Candidates {
		if c.Cloud == "" {
			return nil, fmt.Errorf("candidate %d: cloud is not set", i)
		}
		if _, ok := orch.launchers[c.Cloud]; !ok {
			return nil, fmt.Errorf("candidate %d: cloud %q is not configured", i, c.Cloud)
		}
		if c.Zone != "" && c.Region == "" {
			return nil, fmt.Errorf("candidate %d: zone %q given without a region", i, c.Zone)
		}
	}
	sess := &Session{
		ID:         randomSessionID(),
		orch:       orch,
		candidates: append([]cloud.Candidate(nil), req.Candidates...),
		blocked:    newBlockList(orch.cfg.BlockedPatternTTL.Duration(), orch.timeNow),
		probers:    map[string]*prober{},
		state:      StatePending,
		started:    orch.timeNow(),
	}
	sess.logger = orch.logger.WithField("SessionID", sess.ID)
	orch.mtx.Lock()
	orch.sessions = append(orch.sessions, sess)
	orch.byID[sess.ID] = sess
	orch.mtx.Unlock()
	return sess, nil
}

// Session returns the session with the given ID.
func (orch *Orchestrator) Session(id string) (*Session, bool) {
	orch.mtx.Lock()
	defer orch.mtx.Unlock()
	sess, ok := orch.byID[id]
	return sess, ok
}

// Views returns a snapshot of every session, oldest first.
func (orch *Orchestrator) Views() []SessionView {
	orch.mtx.Lock()
	sessions := append([]*Session(nil), orch.sessions...)
	orch.mtx.Unlock()
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	return views
}

// Run drives the session to a terminal state: an instance handle, a
// ResourcesUnavailableError after exhausting every candidate, or the
// context's error. Cancellation takes effect between zones and
// between candidates; an in-flight launch is interrupted through its
// context and recorded like any other failed attempt.
func (sess *Session) Run(ctx context.Context) (cloud.InstanceHandle, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.mtx.Lock()
	sess.cancel = cancel
	if sess.cancelRequested {
		cancel()
	}
	sess.mtx.Unlock()

	sess.logger.WithField("Candidates", len(sess.candidates)).Info("session started")
	sess.setState(StateSelecting)
	if err := sess.expandCandidates(ctx); err != nil {
		return sess.finishCancelled(err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return sess.finishCancelled(err)
		}
		sess.setState(StateSelecting)
		c, ok := sess.nextCandidate(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return sess.finishCancelled(err)
			}
			err := &ResourcesUnavailableError{Attempts: sess.Attempts()}
			sess.finish(StateExhausted, nil, err)
			sess.orch.mSessions.WithLabelValues("exhausted").Inc()
			sess.logger.WithField("Attempts", len(err.Attempts)).Info("session exhausted")
			return cloud.InstanceHandle{}, err
		}
		handle, err := sess.tryCandidate(ctx, c)
		if err == nil {
			sess.finish(StateSucceeded, &handle, nil)
			sess.orch.mSessions.WithLabelValues("succeeded").Inc()
			sess.logger.WithFields(logrus.Fields{
				"Instance":  handle.ID,
				"Candidate": c.String(),
			}).Info("session succeeded")
			return handle, nil
		}
		if ctxerr := ctx.Err(); ctxerr != nil {
			return sess.finishCancelled(ctxerr)
		}
		sess.logger.WithFields(logrus.Fields{
			"Candidate": c.String(),
			"Error":     err,
		}).Info("candidate failed, moving on")
	}
}

func (sess *Session) finishCancelled(err error) (cloud.InstanceHandle, error) {
	sess.finish(StateCancelled, nil, err)
	sess.orch.mSessions.WithLabelValues("cancelled").Inc()
	sess.logger.Info("session cancelled")
	return cloud.InstanceHandle{}, err
}

// tryCandidate sweeps the candidate's zones. It returns the instance
// handle on success. When every zone has failed it blocks the exact
// candidate tuple, never anything wider, which still guarantees the
// candidate list shrinks. Cancellation mid-sweep returns without
// blocking anything.
func (sess *Session) tryCandidate(ctx context.Context, c cloud.Candidate) (cloud.InstanceHandle, error) {
	launcher := sess.orch.launchers[c.Cloud]
	prb := sess.proberFor(c.Cloud, launcher)

	var zones []string
	if c.Zone != "" {
		zones = []string{c.Zone}
	} else {
		var err error
		zones, err = sess.orch.catalog.Zones(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return cloud.InstanceHandle{}, ctx.Err()
			}
			sess.note(c, OutcomeCatalogError, err, 0)
			sess.block(c)
			return cloud.InstanceHandle{}, err
		}
	}

	for _, zone := range zones {
		if err := ctx.Err(); err != nil {
			return cloud.InstanceHandle{}, err
		}
		zc := c
		zc.Zone = zone

		sess.setState(StateProbing)
		verdict := prb.probe(ctx, zc)
		sess.orch.mProbeResults.WithLabelValues(c.Cloud, verdict.String()).Inc()
		if verdict == cloud.Unavailable {
			sess.note(zc, OutcomeSkipped, nil, 0)
			sess.orch.mZoneSkips.WithLabelValues(c.Cloud).Inc()
			continue
		}

		handle, err := sess.launchOnce(ctx, launcher, zc)
		if err == nil {
			return handle, nil
		}
		var rle cloud.RateLimitError
		if errors.As(err, &rle) {
			// Hold at the boundary until the cloud will
			// talk to us again, then retry this zone once.
			if werr := waitUntil(ctx, rle.EarliestRetry()); werr != nil {
				return cloud.InstanceHandle{}, werr
			}
			handle, err = sess.launchOnce(ctx, launcher, zc)
			if err == nil {
				return handle, nil
			}
		}
		if ctx.Err() != nil {
			return cloud.InstanceHandle{}, ctx.Err()
		}
		// Quota violations are deliberately not special-cased
		// here: the launcher classifies them (see
		// classifyLaunchError) but the sweep treats them as
		// one more failed zone, and blocking never gets
		// coarser than the candidate tuple that ran out.
		var ce cloud.CapacityError
		if errors.As(err, &ce) && ce.IsCapacityError() && !ce.IsInstanceTypeSpecific() {
			// The whole zone group is out of capacity, not
			// just this instance type. No point sweeping
			// the remaining zones.
			break
		}
	}

	sess.note(c, OutcomeExhausted, nil, 0)
	sess.block(c)
	return cloud.InstanceHandle{}, errCandidateExhausted
}

// launchOnce makes a single launch attempt, bounded by the
// configured launch timeout, and records the attempt.
func (sess *Session) launchOnce(ctx context.Context, launcher cloud.Launcher, zc cloud.Candidate) (cloud.InstanceHandle, error) {
	sess.setState(StateLaunching)
	lctx := ctx
	if timeout := sess.orch.cfg.LaunchTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := sess.orch.timeNow()
	handle, err := launcher.Launch(lctx, zc)
	elapsed := sess.orch.timeNow().Sub(start)
	if err == nil {
		sess.note(zc, OutcomeLaunched, nil, elapsed)
		sess.orch.mLaunchAttempts.WithLabelValues(zc.Cloud, "success").Inc()
		return handle, nil
	}
	outcome, result := classifyLaunchError(err)
	sess.note(zc, outcome, err, elapsed)
	sess.orch.mLaunchAttempts.WithLabelValues(zc.Cloud, result).Inc()
	sess.logger.WithFields(logrus.Fields{
		"Candidate": zc.String(),
		"Outcome":   outcome,
		"Error":     err,
	}).Warn("launch attempt failed")
	return cloud.InstanceHandle{}, err
}

func classifyLaunchError(err error) (Outcome, string) {
	var rle cloud.RateLimitError
	if errors.As(err, &rle) {
		return OutcomeRateLimited, "rate-limited"
	}
	var qe cloud.QuotaError
	if errors.As(err, &qe) && qe.IsQuotaError() {
		return OutcomeQuota, "quota"
	}
	var ce cloud.CapacityError
	if errors.As(err, &ce) && ce.IsCapacityError() {
		return OutcomeCapacity, "capacity"
	}
	return OutcomeError, "error"
}

// waitUntil sleeps until t or until ctx is done.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
