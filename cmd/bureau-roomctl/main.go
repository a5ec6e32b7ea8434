// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/roomserver/lib/process"
)

func main() {
	ctl := &ctl{stdout: os.Stdout}
	if err := root(ctl).execute(os.Args[1:], os.Stderr); err != nil {
		process.Fatal(err)
	}
}
