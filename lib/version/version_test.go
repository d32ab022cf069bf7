// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	// Mutates package variables; not parallel.
	saved := []string{Version, GitCommit, GitDirty, BuildTime}
	t.Cleanup(func() {
		Version, GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2], saved[3]
	})

	Version, GitCommit, BuildTime = "1.2.0", "abc1234", "2026-03-01T00:00:00Z"
	GitDirty = "false"
	if got, want := Info(), "1.2.0 (abc1234, 2026-03-01T00:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty marker", got)
	}
	if got := Full(); !strings.Contains(got, "Go: ") || !strings.Contains(got, "Platform: ") {
		t.Errorf("Full() = %q, want Go and platform lines", got)
	}
}
