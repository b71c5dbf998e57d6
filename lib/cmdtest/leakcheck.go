// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest has helpers for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck tests for output leaking to os.Stdout or os.Stderr when
// it should go to the stdout and stderr streams passed to a
// cmd.Handler. It redirects both to anonymous tempfiles and returns a
// func, which the caller is expected to defer, that restores them and
// checks that nothing was written.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ...
//	}
func LeakCheck(c *check.C) func() {
	capture := func() *os.File {
		f, err := os.CreateTemp("", "leakcheck")
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(f.Name()), check.IsNil)
		return f
	}
	realStdout, realStderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = capture(), capture()
	return func() {
		fakes := map[string]*os.File{"stdout": os.Stdout, "stderr": os.Stderr}
		os.Stdout, os.Stderr = realStdout, realStderr
		for name, f := range fakes {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to os.%s", name))
			f.Close()
		}
	}
}
