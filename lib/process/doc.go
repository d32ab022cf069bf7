// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the GEP binaries.
// It covers the one raw I/O pattern that exists before the structured
// logger: reporting a fatal error from main() to stderr and exiting.
package process
