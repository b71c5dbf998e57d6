// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the drover configuration file: compiled-in
// defaults overlaid with the operator's YAML.
package config

import (
	"encoding/json"
)

// Config is the root of the configuration file.
type Config struct {
	SystemLogs      SystemLogs
	ManagementToken string
	Service         Service
	Catalog         Catalog
	Provision       Provision
	Clouds          map[string]Cloud
}

type SystemLogs struct {
	LogLevel string
	Format   string
}

type Service struct {
	Listen string
}

// Catalog configures where price/inventory tables come from and
// where they are cached. The fetch path for a cloud is
// <base>/<SchemaVersion>/<cloud>/vms.csv, where <base> is the first
// of: the cloud's CatalogURLOverride, BaseURLOverride,
// PrimaryBaseURL. MirrorBaseURL is tried when the primary fails.
type Catalog struct {
	CacheDir        string
	SchemaVersion   string
	PrimaryBaseURL  string
	MirrorBaseURL   string
	BaseURLOverride string
	RefreshTimeout  Duration
	DefaultTTL      Duration
}

type Provision struct {
	// Ranking is "price" (cheapest catalog price first) or
	// "order" (request declaration order).
	Ranking                   string
	LaunchTimeout             Duration
	ProbeTimeout              Duration
	ProbeCacheSize            int
	DisableAvailabilityChecks bool
	// BlockedPatternTTL expires failure blocks during very long
	// sessions. Zero means a block lasts for the whole session.
	BlockedPatternTTL Duration
}

type Cloud struct {
	// Driver names a registered launch adapter ("loopback", ...).
	Driver string
	// DriverParameters is passed through to the driver verbatim.
	DriverParameters json.RawMessage
	// CatalogTTL overrides Catalog.DefaultTTL for this cloud.
	// Zero means use the default; the default itself may be zero,
	// meaning refresh only on demand.
	CatalogTTL Duration
	// CatalogURLOverride replaces the base URL for this cloud's
	// catalog. Takes precedence over Catalog.BaseURLOverride.
	CatalogURLOverride string
}

// TTL returns the effective catalog TTL for this cloud.
func (cc Cloud) TTL(defaultTTL Duration) Duration {
	if cc.CatalogTTL != 0 {
		return cc.CatalogTTL
	}
	return defaultTTL
}
