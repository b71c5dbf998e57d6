// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/config"
	"git.arvados.org/drover.git/lib/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CacheSuite{})

type CacheSuite struct {
	reg *prometheus.Registry
	dir string
}

func (s *CacheSuite) SetUpTest(c *check.C) {
	s.reg = prometheus.NewRegistry()
	s.dir = c.MkDir()
}

func (s *CacheSuite) newCache(c *check.C, ccfg config.Catalog, clouds map[string]config.Cloud) *Cache {
	if ccfg.CacheDir == "" {
		ccfg.CacheDir = s.dir
	}
	if ccfg.SchemaVersion == "" {
		ccfg.SchemaVersion = "v8"
	}
	if ccfg.RefreshTimeout == 0 {
		ccfg.RefreshTimeout = config.Duration(5 * time.Second)
	}
	cache, err := NewCache(ccfg, clouds, ctxlog.TestLogger(c), s.reg)
	c.Assert(err, check.IsNil)
	return cache
}

// csvServer serves *body, or 500 when *body is empty.
func csvServer(body *string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if *body == "" {
			http.Error(w, "catalog source down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(*body))
	}))
}

func (s *CacheSuite) counter(c *check.C, name string, labels map[string]string) float64 {
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	var mf *dto.MetricFamily
	for _, f := range mfs {
		if f.GetName() == name {
			mf = f
		}
	}
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func (s *CacheSuite) TestLookupFetchesAndCaches(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(tbl.Entries, check.HasLen, 4)
	c.Check(tbl.Source, check.Equals, "primary")
	c.Check(tbl.Fingerprint, check.Matches, `[0-9a-f]{64}`)
	c.Check(tbl.Manual, check.Equals, false)

	path := filepath.Join(s.dir, "v8", "aws", "vms.csv")
	onDisk, err := os.ReadFile(path)
	c.Assert(err, check.IsNil)
	c.Check(string(onDisk), check.Equals, sampleCSV)
	sidecar, err := os.ReadFile(path + ".sha256")
	c.Assert(err, check.IsNil)
	c.Check(string(sidecar), check.Equals, tbl.Fingerprint+"\n")

	// Fresh table is served from memory.
	tbl2, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(tbl2.Fingerprint, check.Equals, tbl.Fingerprint)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(1))
}

func (s *CacheSuite) TestTTLExpiryRefetches(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	_, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(1))

	cache.timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(2))

	// TTL accounting restarted, so the next lookup stays local.
	_, err = cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(2))
}

func (s *CacheSuite) TestRefreshUnchangedKeepsFile(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	path := filepath.Join(s.dir, "v8", "aws", "vms.csv")
	before, err := os.Stat(path)
	c.Assert(err, check.IsNil)

	res, err := cache.Refresh(context.Background(), "aws", false)
	c.Assert(err, check.IsNil)
	c.Check(res.Result, check.Equals, "unchanged")
	c.Check(res.Fingerprint, check.Equals, tbl.Fingerprint)
	after, err := os.Stat(path)
	c.Assert(err, check.IsNil)
	c.Check(after.ModTime(), check.Equals, before.ModTime())
}

func (s *CacheSuite) TestMirrorFallback(c *check.C) {
	downBody, hits1 := "", int32(0)
	primary := csvServer(&downBody, &hits1)
	defer primary.Close()
	body, hits2 := sampleCSV, int32(0)
	mirror := csvServer(&body, &hits2)
	defer mirror.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: primary.URL, MirrorBaseURL: mirror.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(tbl.Source, check.Equals, "mirror")
	c.Check(atomic.LoadInt32(&hits1) >= 1, check.Equals, true)
	c.Check(atomic.LoadInt32(&hits2), check.Equals, int32(1))
	c.Check(s.counter(c, "drover_catalog_fetch_failures_total", map[string]string{"cloud": "aws", "source": "primary"}) >= 1.0, check.Equals, true)
}

func (s *CacheSuite) TestStaleServedWhenSourcesFail(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)

	body = ""
	cache.timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(stale.Fingerprint, check.Equals, tbl.Fingerprint)
	c.Check(s.counter(c, "drover_catalog_stale_lookups_total", map[string]string{"cloud": "aws"}), check.Equals, 1.0)
}

func (s *CacheSuite) TestColdMissUnavailable(c *check.C) {
	downBody, hits := "", int32(0)
	srv := csvServer(&downBody, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	_, err := cache.Lookup(context.Background(), "aws")
	c.Check(errors.Is(err, ErrUnavailable), check.Equals, true)
	c.Check(err, check.ErrorMatches, `aws: catalog unavailable: primary: .*`)
}

func (s *CacheSuite) TestMalformedRemoteRejected(c *check.C) {
	body, hits := "not,a\ncatalog\n", int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	_, err := cache.Lookup(context.Background(), "aws")
	c.Check(errors.Is(err, ErrUnavailable), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*malformed catalog.*`)
	_, err = os.Stat(filepath.Join(s.dir, "v8", "aws", "vms.csv"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *CacheSuite) TestManualEditPreserved(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	_, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)

	path := filepath.Join(s.dir, "v8", "aws", "vms.csv")
	edited := sampleCSV + "custom.type,,,8,32,,my-region,,0.5,my-zone\n"
	c.Assert(os.WriteFile(path, []byte(edited), 0o644), check.IsNil)

	res, err := cache.Refresh(context.Background(), "aws", false)
	c.Assert(err, check.IsNil)
	c.Check(res.Result, check.Equals, "kept local edit")
	onDisk, err := os.ReadFile(path)
	c.Assert(err, check.IsNil)
	c.Check(string(onDisk), check.Equals, edited)

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(tbl.Manual, check.Equals, true)
	c.Check(tbl.Entries, check.HasLen, 5)

	// force replaces the edited copy.
	res, err = cache.Refresh(context.Background(), "aws", true)
	c.Assert(err, check.IsNil)
	c.Check(res.Result, check.Equals, "replaced local edit")
	onDisk, err = os.ReadFile(path)
	c.Assert(err, check.IsNil)
	c.Check(string(onDisk), check.Equals, sampleCSV)
}

func (s *CacheSuite) TestHandPlacedCatalog(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Nanosecond)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	// Operator drops in a catalog by hand; there is no recorded
	// fingerprint, so it is authoritative and the sources are
	// never consulted.
	path := filepath.Join(s.dir, "v8", "aws", "vms.csv")
	c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), check.IsNil)
	handMade := "InstanceType,AcceleratorName,AcceleratorCount,vCPUs,MemoryGiB,GpuInfo,Region,SpotPrice,Price,AvailabilityZone\nmine,,,1,1,,r1,,0.01,z1\n"
	c.Assert(os.WriteFile(path, []byte(handMade), 0o644), check.IsNil)

	tbl, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(tbl.Manual, check.Equals, true)
	c.Check(tbl.Entries, check.HasLen, 1)
	c.Check(atomic.LoadInt32(&hits), check.Equals, int32(0))
}

func (s *CacheSuite) TestZones(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	zones, err := cache.Zones(context.Background(), cloud.Candidate{Cloud: "aws", Region: "us-east-1", InstanceType: "p4d.24xlarge"})
	c.Assert(err, check.IsNil)
	c.Check(zones, check.DeepEquals, []string{"us-east-1a", "us-east-1b"})

	// Zoneless cloud rows produce a single region-level slot.
	zones, err = cache.Zones(context.Background(), cloud.Candidate{Cloud: "aws", InstanceType: "gpu_1x_h100"})
	c.Assert(err, check.IsNil)
	c.Check(zones, check.DeepEquals, []string{""})

	zones, err = cache.Zones(context.Background(), cloud.Candidate{Cloud: "aws", InstanceType: "no.such.type"})
	c.Assert(err, check.IsNil)
	c.Check(zones, check.HasLen, 0)
}

func (s *CacheSuite) TestRegions(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})

	regions, err := cache.Regions(context.Background(), cloud.Candidate{Cloud: "aws", InstanceType: "p4d.24xlarge"})
	c.Assert(err, check.IsNil)
	c.Check(regions, check.DeepEquals, []string{"us-east-1"})

	// Region and zone pins on the argument are ignored.
	regions, err = cache.Regions(context.Background(), cloud.Candidate{Cloud: "aws", InstanceType: "gpu_1x_h100", Region: "elsewhere"})
	c.Assert(err, check.IsNil)
	c.Check(regions, check.DeepEquals, []string{"europe-central-1"})
}

func (s *CacheSuite) TestPriceAndOffered(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})
	ctx := context.Background()

	price, ok, err := cache.Price(ctx, cloud.Candidate{Cloud: "aws", InstanceType: "p4d.24xlarge"})
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(price, check.Equals, 32.77)

	// Preemptible uses the spot column, cheapest zone wins.
	price, ok, err = cache.Price(ctx, cloud.Candidate{Cloud: "aws", InstanceType: "p4d.24xlarge", Preemptible: cloud.Bool(true)})
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(price, check.Equals, 9.8)

	// No spot price listed means not offered preemptibly.
	_, ok, err = cache.Price(ctx, cloud.Candidate{Cloud: "aws", InstanceType: "m5.large", Preemptible: cloud.Bool(true)})
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	offered, err := cache.Offered(ctx, cloud.Candidate{Cloud: "aws", Accelerators: map[string]float64{"A100": 8}})
	c.Assert(err, check.IsNil)
	c.Check(offered, check.Equals, true)
	offered, err = cache.Offered(ctx, cloud.Candidate{Cloud: "aws", Accelerators: map[string]float64{"A100": 4}})
	c.Assert(err, check.IsNil)
	c.Check(offered, check.Equals, false)
}

func (s *CacheSuite) TestQueryFilter(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})
	ctx := context.Background()

	entries, err := cache.Query(ctx, "aws", Filter{AcceleratorName: "A100", AcceleratorCount: 8})
	c.Assert(err, check.IsNil)
	c.Check(entries, check.HasLen, 2)
	entries, err = cache.Query(ctx, "aws", Filter{Region: "europe-central-1"})
	c.Assert(err, check.IsNil)
	c.Check(entries, check.HasLen, 1)
	entries, err = cache.Query(ctx, "aws", Filter{Zone: "us-east-1b"})
	c.Assert(err, check.IsNil)
	c.Check(entries, check.HasLen, 1)
}

func (s *CacheSuite) TestSourcePrecedence(c *check.C) {
	ccfg := config.Catalog{
		PrimaryBaseURL:  "https://primary.example/base/",
		MirrorBaseURL:   "https://mirror.example",
		BaseURLOverride: "",
	}
	cache := s.newCache(c, ccfg, map[string]config.Cloud{
		"aws": {Driver: "loopback", CatalogURLOverride: "https://internal.example/aws-catalogs/"},
		"gcp": {Driver: "loopback"},
	})
	c.Check(cache.clouds["aws"].urls, check.DeepEquals, []sourceURL{
		{"override", "https://internal.example/aws-catalogs/v8/aws/vms.csv"},
	})
	c.Check(cache.clouds["gcp"].urls, check.DeepEquals, []sourceURL{
		{"primary", "https://primary.example/base/v8/gcp/vms.csv"},
		{"mirror", "https://mirror.example/v8/gcp/vms.csv"},
	})

	s.reg = prometheus.NewRegistry()
	ccfg.BaseURLOverride = "https://global.example/override"
	cache = s.newCache(c, ccfg, map[string]config.Cloud{"gcp": {Driver: "loopback"}})
	c.Check(cache.clouds["gcp"].urls, check.DeepEquals, []sourceURL{
		{"override", "https://global.example/override/v8/gcp/vms.csv"},
	})
}

func (s *CacheSuite) TestUnknownCloud(c *check.C) {
	cache := s.newCache(c, config.Catalog{PrimaryBaseURL: "https://example.invalid"},
		map[string]config.Cloud{"aws": {Driver: "loopback"}})
	_, err := cache.Lookup(context.Background(), "nope")
	c.Check(errors.Is(err, ErrUnknownCloud), check.Equals, true)
}

func (s *CacheSuite) TestStatus(c *check.C) {
	body, hits := sampleCSV, int32(0)
	srv := csvServer(&body, &hits)
	defer srv.Close()
	cache := s.newCache(c,
		config.Catalog{PrimaryBaseURL: srv.URL, DefaultTTL: config.Duration(time.Hour)},
		map[string]config.Cloud{"aws": {Driver: "loopback"}, "gcp": {Driver: "loopback"}})

	_, err := cache.Lookup(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	status := cache.Status()
	c.Assert(status, check.HasLen, 2)
	c.Check(status[0].Cloud, check.Equals, "aws")
	c.Check(status[0].Exists, check.Equals, true)
	c.Check(status[0].Entries, check.Equals, 4)
	c.Check(status[0].Size, check.Not(check.Equals), "")
	c.Check(status[1].Cloud, check.Equals, "gcp")
	c.Check(status[1].Exists, check.Equals, false)
}
