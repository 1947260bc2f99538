// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the LCFS mount
// daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - the LCFS_CONFIG environment variable, or
//   - the --config flag passed to lcfs
//
// There are no fallbacks or automatic discovery, and every field has
// a default; running without a config file is the common case. The
// file only carries tunables the daemon cannot derive from its
// arguments (cache timeouts, flusher interval, log level).
package config
