// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provisioner

import (
	"git.arvados.org/drover.git/lib/cmd"
	"git.arvados.org/drover.git/lib/service"
)

// Command starts the provisioner's management HTTP service.
var Command cmd.Handler = service.Command("drover-provisioner", NewHandler)
