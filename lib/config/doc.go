// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the room
// server and its CLI.
//
// Configuration is loaded from a single file specified by either the
// BUREAU_ROOMSERVER_CONFIG environment variable (via [Load]) or a
// --config flag (via [LoadFile]). There are no fallbacks and no
// automatic file search.
//
// The file supports environment-specific sections (development,
// production) that override base values when [Config].Environment
// matches. Production defaults to JSON logs.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BUREAU_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- paths, storage sizing, room workers, backfill, peers, log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- a time.Duration that reads "30s" from YAML
package config
