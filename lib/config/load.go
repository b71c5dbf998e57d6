// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
)

type logger interface {
	Warnf(string, ...interface{})
}

// LoadFile loads the configuration file at path. See Load.
func LoadFile(path string, log logger) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f, log)
	if err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads a configuration from rdr. The compiled-in defaults are
// loaded first, then the given document on top of them, so the
// operator's file only needs the keys that differ from the defaults.
func Load(rdr io.Reader, log logger) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading built-in defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	err = cfg.check(log)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) check(log logger) error {
	if len(cfg.Clouds) == 0 {
		return errors.New("config does not define any clouds")
	}
	for name, cc := range cfg.Clouds {
		if cc.Driver == "" {
			return fmt.Errorf("Clouds.%s: Driver is not set", name)
		}
	}
	switch cfg.Provision.Ranking {
	case "price", "order":
	default:
		return fmt.Errorf("Provision.Ranking must be \"price\" or \"order\", not %q", cfg.Provision.Ranking)
	}
	if cfg.Catalog.SchemaVersion == "" {
		return errors.New("Catalog.SchemaVersion is not set")
	}
	if cfg.Catalog.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("Catalog.CacheDir is not set and no user cache dir: %w", err)
		}
		cfg.Catalog.CacheDir = filepath.Join(base, "drover", "catalog")
	}
	if cfg.ManagementToken == "" && log != nil {
		log.Warnf("ManagementToken is not set; management API is disabled")
	}
	return nil
}
