// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is loaded before the operator's configuration file, so
// every knob has a working value.
var DefaultYAML = []byte(`
SystemLogs:
  LogLevel: info
  Format: json
ManagementToken: ""
Service:
  Listen: ":9630"
Catalog:
  # Empty CacheDir means <user cache dir>/drover/catalog.
  CacheDir: ""
  SchemaVersion: v8
  PrimaryBaseURL: https://catalogs.drover.example/catalogs
  MirrorBaseURL: ""
  BaseURLOverride: ""
  RefreshTimeout: 45s
  # Zero means catalogs are refreshed only on demand.
  DefaultTTL: 168h
Provision:
  Ranking: price
  LaunchTimeout: 10m
  ProbeTimeout: 30s
  ProbeCacheSize: 256
  DisableAvailabilityChecks: false
  # Zero means a blocked pattern stays blocked for the whole session.
  BlockedPatternTTL: 0s
Clouds: {}
`)
