// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/drover.git/lib/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) load(c *check.C, yaml string) (*Config, error) {
	return Load(bytes.NewBufferString(yaml), ctxlog.TestLogger(c))
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := s.load(c, `
Clouds:
  loop:
    Driver: loopback
`)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Service.Listen, check.Equals, ":9630")
	c.Check(cfg.SystemLogs.Format, check.Equals, "json")
	c.Check(cfg.Provision.Ranking, check.Equals, "price")
	c.Check(cfg.Provision.LaunchTimeout.Duration(), check.Equals, 10*time.Minute)
	c.Check(cfg.Catalog.SchemaVersion, check.Equals, "v8")
	c.Check(cfg.Catalog.DefaultTTL.Duration(), check.Equals, 168*time.Hour)
	c.Check(cfg.Catalog.CacheDir, check.Not(check.Equals), "")
	c.Check(cfg.Clouds["loop"].Driver, check.Equals, "loopback")
}

func (s *LoadSuite) TestOverlay(c *check.C) {
	cfg, err := s.load(c, `
Service:
  Listen: ":12345"
Catalog:
  CacheDir: /tmp/catalogtest
  BaseURLOverride: https://mirror.internal/catalogs/
Provision:
  Ranking: order
  ProbeTimeout: 5s
Clouds:
  aws:
    Driver: loopback
    CatalogTTL: 24h
    DriverParameters:
      Stock:
        - {Region: r1, Zone: z1, InstanceType: t1, Count: 2}
`)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Service.Listen, check.Equals, ":12345")
	c.Check(cfg.Catalog.CacheDir, check.Equals, "/tmp/catalogtest")
	c.Check(cfg.Provision.Ranking, check.Equals, "order")
	c.Check(cfg.Provision.ProbeTimeout.Duration(), check.Equals, 5*time.Second)
	// Defaults survive under overlaid siblings.
	c.Check(cfg.Catalog.SchemaVersion, check.Equals, "v8")
	c.Check(cfg.Provision.LaunchTimeout.Duration(), check.Equals, 10*time.Minute)
	aws := cfg.Clouds["aws"]
	c.Check(aws.TTL(cfg.Catalog.DefaultTTL).Duration(), check.Equals, 24*time.Hour)
	c.Check(string(aws.DriverParameters), check.Matches, `(?s).*InstanceType.*t1.*`)
}

func (s *LoadSuite) TestEffectiveTTLFallsBack(c *check.C) {
	cfg, err := s.load(c, `
Clouds:
  loop:
    Driver: loopback
`)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clouds["loop"].TTL(cfg.Catalog.DefaultTTL).Duration(), check.Equals, 168*time.Hour)
}

func (s *LoadSuite) TestBadConfig(c *check.C) {
	for _, trial := range []struct {
		yaml string
		err  string
	}{
		{"Clouds: {}", "config does not define any clouds"},
		{"Clouds:\n loop: {}", `Clouds\.loop: Driver is not set`},
		{"Provision:\n Ranking: cheapest\nClouds:\n loop:\n  Driver: loopback", `Provision\.Ranking must be .*"cheapest"`},
		{"Catalog:\n SchemaVersion: \"\"\nClouds:\n loop:\n  Driver: loopback", `Catalog\.SchemaVersion is not set`},
		{"Catalog:\n RefreshTimeout: 45\nClouds:\n loop:\n  Driver: loopback", `.*duration must be given as a string.*`},
	} {
		_, err := s.load(c, trial.yaml)
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("yaml: %q", trial.yaml))
	}
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "drover.yml")
	err := os.WriteFile(path, []byte("Clouds:\n loop:\n  Driver: loopback\n"), 0o644)
	c.Assert(err, check.IsNil)
	cfg, err := LoadFile(path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clouds["loop"].Driver, check.Equals, "loopback")

	_, err = LoadFile(filepath.Join(dir, "nonexistent.yml"), ctxlog.TestLogger(c))
	c.Check(err, check.NotNil)
}
