// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provisioner

import (
	"fmt"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/cloud/ec2"
	"git.arvados.org/drover.git/lib/cloud/loopback"
	"git.arvados.org/drover.git/lib/config"
	"github.com/sirupsen/logrus"
)

// Drivers maps the configuration file's Driver names to launch
// adapters. Tests inject stub drivers here.
var Drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

func newLaunchers(cfg *config.Config, logger logrus.FieldLogger) (map[string]cloud.Launcher, error) {
	launchers := map[string]cloud.Launcher{}
	for name, cc := range cfg.Clouds {
		driver, ok := Drivers[cc.Driver]
		if !ok {
			return nil, fmt.Errorf("Clouds.%s: unsupported driver %q", name, cc.Driver)
		}
		launcher, err := driver.Launcher(cc.DriverParameters, logger.WithField("Cloud", name))
		if err != nil {
			return nil, fmt.Errorf("Clouds.%s: error initializing driver: %w", name, err)
		}
		launchers[name] = launcher
	}
	return launchers, nil
}
