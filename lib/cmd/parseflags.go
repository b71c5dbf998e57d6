// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags calls flags.Parse(args) and prints appropriate
// error/help messages to stderr.
//
// positional is "" if no positional arguments are accepted, otherwise
// a string to print with the usage message, "Usage: {prog} [options]
// {positional}".
//
// The first return value is true if the program should continue
// running normally, false if it should exit now. In the latter case
// the second return value is the appropriate exit code: 0 after
// "-help", 2 after a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, positional string, stderr io.Writer) (bool, int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	switch err := flags.Parse(args); err {
	case nil:
		if flags.NArg() > 0 && positional == "" {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		flags.SetOutput(stderr)
		if flags.Usage != nil {
			flags.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			flags.PrintDefaults()
		}
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}
