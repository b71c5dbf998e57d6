// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&proberSuite{})

type proberSuite struct{}

func (s *proberSuite) newProber(c *check.C, launcher cloud.Launcher, disabled bool) *prober {
	return newProber(launcher, time.Second, 0, disabled, ctxlog.TestLogger(c))
}

func (s *proberSuite) TestStaticOnlyCloud(c *check.C) {
	p := s.newProber(c, &stubLauncher{}, false)
	av := p.probe(context.Background(), cloud.Candidate{Cloud: "lambda", Region: "europe-central-1", InstanceType: "gpu_1x_a100"})
	c.Check(av, check.Equals, cloud.Unknown)
}

func (s *proberSuite) TestVerdictSharedAcrossZones(c *check.C) {
	pl := &probingLauncher{}
	pl.setVerdict(cloud.Candidate{Cloud: "aws", Region: "us-east-1", Zone: "us-east-1a", Accelerators: map[string]float64{"A100": 8}}, cloud.Unavailable)
	p := s.newProber(c, pl, false)

	zoneA := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Zone: "us-east-1a", Accelerators: map[string]float64{"A100": 8}}
	zoneB := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Zone: "us-east-1b", Accelerators: map[string]float64{"A100": 8}}
	c.Check(p.probe(context.Background(), zoneA), check.Equals, cloud.Unavailable)
	c.Check(p.probe(context.Background(), zoneB), check.Equals, cloud.Unavailable)
	// the verdict is region-scoped, so the second zone hits the memo
	c.Check(pl.probeCount(), check.Equals, 1)
}

func (s *proberSuite) TestDistinctRegionsProbedSeparately(c *check.C) {
	pl := &probingLauncher{}
	p := s.newProber(c, pl, false)
	east := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Accelerators: map[string]float64{"A100": 8}}
	west := cloud.Candidate{Cloud: "aws", Region: "us-west-2", Accelerators: map[string]float64{"A100": 8}}
	c.Check(p.probe(context.Background(), east), check.Equals, cloud.Available)
	c.Check(p.probe(context.Background(), west), check.Equals, cloud.Available)
	c.Check(pl.probeCount(), check.Equals, 2)
}

func (s *proberSuite) TestDistinctCountsProbedSeparately(c *check.C) {
	pl := &probingLauncher{}
	p := s.newProber(c, pl, false)
	one := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Accelerators: map[string]float64{"A100": 1}}
	eight := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Accelerators: map[string]float64{"A100": 8}}
	p.probe(context.Background(), one)
	p.probe(context.Background(), eight)
	c.Check(pl.probeCount(), check.Equals, 2)
}

func (s *proberSuite) TestCheckerErrorMeansUnavailable(c *check.C) {
	pl := &probingLauncher{probeErr: errors.New("api on fire")}
	p := s.newProber(c, pl, false)
	probe := cloud.Candidate{Cloud: "aws", Region: "us-east-1", InstanceType: "g5.xlarge"}

	c.Check(p.probe(context.Background(), probe), check.Equals, cloud.Unavailable)
	// error verdicts are not memoized, so the checker is asked
	// again...
	c.Check(p.probe(context.Background(), probe), check.Equals, cloud.Unavailable)
	c.Check(pl.probeCount(), check.Equals, 2)

	// ...and a recovered endpoint gets to answer for real
	pl.setProbeErr(nil)
	c.Check(p.probe(context.Background(), probe), check.Equals, cloud.Available)
	c.Check(pl.probeCount(), check.Equals, 3)
	// the real answer is memoized like any other
	c.Check(p.probe(context.Background(), probe), check.Equals, cloud.Available)
	c.Check(pl.probeCount(), check.Equals, 3)
}

func (s *proberSuite) TestDisabled(c *check.C) {
	pl := &probingLauncher{}
	p := s.newProber(c, pl, true)
	c.Check(p.probe(context.Background(), cloud.Candidate{Cloud: "aws", Region: "us-east-1"}), check.Equals, cloud.Unknown)
	c.Check(pl.probeCount(), check.Equals, 0)
}

func (s *proberSuite) TestTimeoutApplied(c *check.C) {
	pl := &probingLauncher{}
	p := newProber(pl, time.Minute, 0, false, ctxlog.TestLogger(c))
	p.probe(context.Background(), cloud.Candidate{Cloud: "aws", Region: "us-east-1"})
	pl.probeMtx.Lock()
	defer pl.probeMtx.Unlock()
	c.Check(pl.probeDeadlines, check.DeepEquals, []bool{true})
}
