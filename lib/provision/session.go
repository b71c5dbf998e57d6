// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/stats"
	"github.com/sirupsen/logrus"
)

// A Request asks for Count instances, each satisfying any one of the
// listed candidates. Candidates are tried in declaration order
// unless price ranking is configured.
type Request struct {
	Candidates []cloud.Candidate `json:"candidates"`
	Count      int               `json:"count,omitempty"`
}

// State is a session's position in the retry state machine.
type State string

const (
	StatePending   State = "pending"
	StateSelecting State = "selecting"
	StateProbing   State = "probing"
	StateLaunching State = "launching"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
	StateCancelled State = "cancelled"
)

// Final reports whether the session has stopped.
func (st State) Final() bool {
	return st == StateSucceeded || st == StateExhausted || st == StateCancelled
}

// Outcome classifies one attempt record.
type Outcome string

const (
	OutcomeLaunched     Outcome = "launched"
	OutcomeSkipped      Outcome = "skipped" // probe reported no capacity
	OutcomeCapacity     Outcome = "capacity"
	OutcomeQuota        Outcome = "quota"
	OutcomeRateLimited  Outcome = "rate-limited"
	OutcomeError        Outcome = "error"
	OutcomeNotInCatalog Outcome = "not-in-catalog"
	OutcomeCatalogError Outcome = "catalog-error"
	OutcomeExhausted    Outcome = "exhausted" // every zone failed or was skipped
)

// An Attempt is one step of a session's history: a zone that was
// tried or skipped, or a candidate-level event.
type Attempt struct {
	Candidate cloud.Candidate `json:"candidate"`
	Outcome   Outcome         `json:"outcome"`
	Detail    string          `json:"detail,omitempty"`
	Time      time.Time       `json:"time"`
	Elapsed   stats.Duration  `json:"elapsed"`
}

// ResourcesUnavailableError is the terminal failure: every candidate
// was filtered out or exhausted. It carries the full attempt history
// so callers can see every distinct failure.
type ResourcesUnavailableError struct {
	Attempts []Attempt
}

func (err *ResourcesUnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no requested resource could be provisioned (%d attempts)", len(err.Attempts))
	for _, a := range err.Attempts {
		fmt.Fprintf(&b, "\n  %s: %s", a.Candidate, a.Outcome)
		if a.Detail != "" {
			fmt.Fprintf(&b, ": %s", a.Detail)
		}
	}
	return b.String()
}

// A Session runs the retry state machine for one instance. Sessions
// are independent: each has its own block list and probe memo, so
// parallel sessions never perturb each other.
type Session struct {
	ID string

	orch       *Orchestrator
	logger     logrus.FieldLogger
	candidates []cloud.Candidate // region-expanded, in request order
	expanded   bool
	blocked    *blockList
	probers    map[string]*prober // by cloud; session-scoped memo

	mtx             sync.Mutex
	state           State
	started         time.Time
	attempts        []Attempt
	handle          *cloud.InstanceHandle
	finalErr        error
	cancel          context.CancelFunc
	cancelRequested bool
}

// Cancel asks the session to stop. It takes effect at the next zone
// or candidate boundary; an in-flight launch attempt is interrupted
// through its context.
func (sess *Session) Cancel() {
	sess.mtx.Lock()
	sess.cancelRequested = true
	cancel := sess.cancel
	sess.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SessionView is a point-in-time copy of a session's observable
// state, for management APIs and reports.
type SessionView struct {
	ID         string                `json:"id"`
	State      State                 `json:"state"`
	Started    time.Time             `json:"started"`
	Elapsed    stats.Duration        `json:"elapsed"`
	Candidates []cloud.Candidate     `json:"candidates"`
	Blocked    []cloud.Candidate     `json:"blocked,omitempty"`
	Attempts   []Attempt             `json:"attempts,omitempty"`
	Instance   *cloud.InstanceHandle `json:"instance,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func randomSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("sess-%x", buf)
}

func (sess *Session) setState(st State) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	sess.state = st
}

// note appends an attempt record.
func (sess *Session) note(c cloud.Candidate, outcome Outcome, err error, elapsed time.Duration) {
	a := Attempt{
		Candidate: c,
		Outcome:   outcome,
		Time:      sess.orch.timeNow(),
		Elapsed:   stats.Duration(elapsed),
	}
	if err != nil {
		a.Detail = err.Error()
	}
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	sess.attempts = append(sess.attempts, a)
}

func (sess *Session) finish(st State, handle *cloud.InstanceHandle, err error) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	sess.state = st
	sess.handle = handle
	sess.finalErr = err
}

// Attempts returns a copy of the attempt history so far.
func (sess *Session) Attempts() []Attempt {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return append([]Attempt(nil), sess.attempts...)
}

// View returns a snapshot of the session.
func (sess *Session) View() SessionView {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	view := SessionView{
		ID:         sess.ID,
		State:      sess.state,
		Started:    sess.started,
		Elapsed:    stats.Duration(sess.orch.timeNow().Sub(sess.started)),
		Candidates: append([]cloud.Candidate(nil), sess.candidates...),
		Attempts:   append([]Attempt(nil), sess.attempts...),
		Instance:   sess.handle,
	}
	view.Blocked = sess.blocked.Patterns()
	if sess.finalErr != nil {
		view.Error = sess.finalErr.Error()
	}
	return view
}

func (sess *Session) proberFor(cloudName string, launcher cloud.Launcher) *prober {
	if p, ok := sess.probers[cloudName]; ok {
		return p
	}
	p := newProber(launcher,
		sess.orch.cfg.ProbeTimeout.Duration(),
		sess.orch.cfg.ProbeCacheSize,
		sess.orch.cfg.DisableAvailabilityChecks,
		sess.logger.WithField("Cloud", cloudName))
	sess.probers[cloudName] = p
	return p
}
