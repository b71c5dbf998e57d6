// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/drover.git/lib/catalog"
	"git.arvados.org/drover.git/lib/cmd"
	"git.arvados.org/drover.git/services/provisioner"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"provisioner":     provisioner.Command,
		"acquire":         provisioner.AcquireCommand,
		"catalog-refresh": catalog.RefreshCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
