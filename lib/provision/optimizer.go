// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"math"

	"git.arvados.org/drover.git/lib/cloud"
)

func (sess *Session) block(pattern cloud.Candidate) {
	sess.blocked.Block(pattern)
	sess.orch.mBlockedPatterns.WithLabelValues(pattern.Cloud).Inc()
	sess.logger.WithField("Pattern", pattern.String()).Info("blocking resources")
}

// expandCandidates replaces each region-free candidate with one
// candidate per catalog region offering it, preserving request
// order. Candidates that already name a region pass through as-is.
// Runs once, on the session's first selection.
func (sess *Session) expandCandidates(ctx context.Context) error {
	if sess.expanded {
		return nil
	}
	var out []cloud.Candidate
	for _, c := range sess.candidates {
		if c.Region != "" {
			out = append(out, c)
			continue
		}
		regions, err := sess.orch.catalog.Regions(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sess.note(c, OutcomeCatalogError, err, 0)
			continue
		}
		if len(regions) == 0 {
			sess.note(c, OutcomeNotInCatalog, nil, 0)
			continue
		}
		for _, region := range regions {
			expanded := c
			expanded.Region = region
			out = append(out, expanded)
		}
	}
	sess.mtx.Lock()
	sess.candidates = out
	sess.expanded = true
	sess.mtx.Unlock()
	return nil
}

// nextCandidate picks the best remaining candidate: cheapest catalog
// price, or first in request order, depending on configuration.
// Ties, and candidates whose price is not listed, resolve to the
// earlier request position, so selection is deterministic for a
// given catalog and block list. Candidates the catalog does not
// offer are blocked and recorded as they are encountered.
func (sess *Session) nextCandidate(ctx context.Context) (cloud.Candidate, bool) {
	var best cloud.Candidate
	bestPrice := math.Inf(1)
	found := false
	for _, c := range sess.candidates {
		if sess.blocked.IsBlocked(c) {
			continue
		}
		offered, err := sess.orch.catalog.Offered(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return cloud.Candidate{}, false
			}
			sess.note(c, OutcomeCatalogError, err, 0)
			sess.block(c)
			continue
		}
		if !offered {
			sess.note(c, OutcomeNotInCatalog, nil, 0)
			sess.block(c)
			continue
		}
		if sess.orch.cfg.Ranking == "order" {
			return c, true
		}
		price, ok, err := sess.orch.catalog.Price(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return cloud.Candidate{}, false
			}
			sess.note(c, OutcomeCatalogError, err, 0)
			sess.block(c)
			continue
		}
		if !ok {
			price = math.Inf(1)
		}
		if !found || price < bestPrice {
			best, bestPrice, found = c, price, true
		}
	}
	return best, found
}
