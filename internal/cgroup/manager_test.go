// Copyright 2024 The cgtrap Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// withFakeRoots points the mount resolver at per-controller temp
// directories instead of the real cgroupfs, and restores it on cleanup.
func withFakeRoots(t *testing.T, names ...string) map[string]string {
	t.Helper()
	roots := make(map[string]string, len(names))
	for _, n := range names {
		roots[n] = t.TempDir()
	}
	prev := mountResolver
	mountResolver = func(name string) (string, error) {
		if r, ok := roots[name]; ok {
			return r, nil
		}
		return prev(name)
	}
	t.Cleanup(func() { mountResolver = prev })
	return roots
}

func TestAddDeduplicatesByNameFirstWins(t *testing.T) {
	c := NewCollection()
	a := c.Add("memory")
	b := c.Add("memory")
	if a != b {
		t.Fatalf("got handles %d, %d, want the same handle for duplicate names", a, b)
	}
	if c.Len() != 1 {
		t.Fatalf("got %d controllers, want 1", c.Len())
	}
}

func TestSettingsAppliedInOrderLastWins(t *testing.T) {
	withFakeRoots(t, "memory")
	c := NewCollection()
	h := c.Add("memory")
	c.Set(h, "limit", "100")
	c.Set(h, "limit", "200")

	if err := c.Finalize("svc/a"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := c.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.ApplySettings(); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(c.All()[0].GroupPath, "limit"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "200" {
		t.Fatalf("got %q, want %q", got, "200")
	}
}

func TestFinalizeRejectsExistingLeaf(t *testing.T) {
	roots := withFakeRoots(t, "cpu")
	if err := os.MkdirAll(filepath.Join(roots["cpu"], "svc/a"), 0755); err != nil {
		t.Fatal(err)
	}
	c := NewCollection()
	c.Add("cpu")
	err := c.Finalize("svc/a")
	if err == nil {
		t.Fatal("expected error for pre-existing leaf")
	}
}

func TestJoinAndKillMembers(t *testing.T) {
	withFakeRoots(t, "pids")
	c := NewCollection()
	c.Add("pids")
	if err := c.Finalize("svc/b"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := c.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := c.Join(os.Getpid()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	data, err := os.ReadFile(c.All()[0].MemberFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("got %q", data)
	}

	// Signal 0 just probes liveness; it lets us exercise KillMembers
	// without actually terminating the test process.
	killed := c.KillMembers(syscall.Signal(0))
	if killed != 1 {
		t.Fatalf("got %d members killed, want 1", killed)
	}
}

func TestDestroyIgnoresMissingDirectory(t *testing.T) {
	withFakeRoots(t, "memory")
	c := NewCollection()
	c.Add("memory")
	if err := c.Finalize("svc/c"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if errs := c.Destroy(); len(errs) != 0 {
		t.Fatalf("got %v, want no errors for a never-created leaf", errs)
	}
}

func TestSweepUntilCleanStopsWhenEmpty(t *testing.T) {
	withFakeRoots(t, "memory")
	c := NewCollection()
	c.Add("memory")
	if err := c.Finalize("svc/d"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := c.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// No member file written: KillMembers treats a missing/empty file as
	// "no members", so the very first pass should report clean.
	if clean := c.SweepUntilClean(time.Millisecond, 50*time.Millisecond); !clean {
		t.Fatal("expected sweep to report clean with no members")
	}
}
