// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&blockListSuite{})

type blockListSuite struct{}

func (s *blockListSuite) TestConjunctiveMatch(c *check.C) {
	bl := newBlockList(0, time.Now)
	bl.Block(cloud.Candidate{Cloud: "aws", Region: "us-east-1"})

	spot := cloud.Bool(true)
	for _, trial := range []struct {
		candidate cloud.Candidate
		blocked   bool
	}{
		{cloud.Candidate{Cloud: "aws", Region: "us-east-1", InstanceType: "p4d.24xlarge"}, true},
		{cloud.Candidate{Cloud: "aws", Region: "us-east-1", Zone: "us-east-1a"}, true},
		{cloud.Candidate{Cloud: "aws", Region: "us-east-1", Preemptible: spot}, true},
		{cloud.Candidate{Cloud: "aws", Region: "us-west-2"}, false},
		{cloud.Candidate{Cloud: "gcp", Region: "us-east-1"}, false},
	} {
		c.Check(bl.IsBlocked(trial.candidate), check.Equals, trial.blocked,
			check.Commentf("candidate %s", trial.candidate))
	}
}

func (s *blockListSuite) TestAnyPatternBlocks(c *check.C) {
	bl := newBlockList(0, time.Now)
	bl.Block(cloud.Candidate{Cloud: "aws", InstanceType: "p4d.24xlarge"})
	bl.Block(cloud.Candidate{Cloud: "gcp"})

	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws", Region: "eu-west-1", InstanceType: "p4d.24xlarge"}), check.Equals, true)
	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "gcp", InstanceType: "a2-highgpu-1g"}), check.Equals, true)
	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws", InstanceType: "g5.xlarge"}), check.Equals, false)
}

func (s *blockListSuite) TestEmptyPatternBlocksEverything(c *check.C) {
	bl := newBlockList(0, time.Now)
	bl.Block(cloud.Candidate{})
	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws"}), check.Equals, true)
	c.Check(bl.IsBlocked(cloud.Candidate{}), check.Equals, true)
}

func (s *blockListSuite) TestPreemptiblePattern(c *check.C) {
	bl := newBlockList(0, time.Now)
	bl.Block(cloud.Candidate{Cloud: "aws", Preemptible: cloud.Bool(true)})

	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws", Preemptible: cloud.Bool(true)}), check.Equals, true)
	// an unset candidate market defaults to on-demand
	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws"}), check.Equals, false)
	c.Check(bl.IsBlocked(cloud.Candidate{Cloud: "aws", Preemptible: cloud.Bool(false)}), check.Equals, false)
}

func (s *blockListSuite) TestExpiry(c *check.C) {
	now := time.Date(2024, 4, 2, 3, 4, 5, 0, time.UTC)
	bl := newBlockList(time.Minute, func() time.Time { return now })
	probe := cloud.Candidate{Cloud: "aws", Region: "us-east-1"}

	bl.Block(cloud.Candidate{Cloud: "aws"})
	c.Check(bl.IsBlocked(probe), check.Equals, true)

	now = now.Add(59 * time.Second)
	c.Check(bl.IsBlocked(probe), check.Equals, true)

	now = now.Add(2 * time.Second)
	c.Check(bl.IsBlocked(probe), check.Equals, false)
	c.Check(bl.Len(), check.Equals, 0)

	bl.Block(cloud.Candidate{Cloud: "aws", Region: "us-east-1"})
	c.Check(bl.IsBlocked(probe), check.Equals, true)
}

func (s *blockListSuite) TestGrowsMonotonically(c *check.C) {
	bl := newBlockList(0, time.Now)
	probe := cloud.Candidate{Cloud: "aws", Region: "us-east-1", Zone: "us-east-1a"}
	c.Check(bl.IsBlocked(probe), check.Equals, false)
	c.Check(bl.Len(), check.Equals, 0)

	bl.Block(cloud.Candidate{Cloud: "aws", Region: "us-east-1"})
	c.Check(bl.Len(), check.Equals, 1)
	c.Check(bl.IsBlocked(probe), check.Equals, true)

	bl.Block(cloud.Candidate{Cloud: "aws"})
	c.Check(bl.Len(), check.Equals, 2)
	c.Check(bl.IsBlocked(probe), check.Equals, true)

	// Patterns returns a copy; mutating it must not unblock anything.
	patterns := bl.Patterns()
	patterns[0] = cloud.Candidate{Cloud: "other"}
	c.Check(bl.IsBlocked(probe), check.Equals, true)
}
