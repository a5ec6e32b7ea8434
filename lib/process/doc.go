// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. It holds the raw
// stderr write that happens before the structured logger exists or
// after main's run function has failed.
package process
