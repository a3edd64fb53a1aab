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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// ErrLeafExists is returned by Finalize/Create when a controller's leaf
// group directory is already present at startup; this almost always means
// a stale prior invocation never cleaned up.
var ErrLeafExists = errors.New("cgroup leaf directory already exists")

// Finalize resolves each controller's mount root, group path, and member
// file path from the shared relative path. It must be called exactly once,
// after option parsing and before any filesystem action, and it must
// observe that no leaf directory already exists (invariant 5).
func (c *Collection) Finalize(relPath string) error {
	for _, ctl := range c.items {
		root, err := mountResolver(ctl.Name)
		if err != nil {
			return fmt.Errorf("resolving mount point for controller %q: %w", ctl.Name, err)
		}
		if err := ensureSystemdDelegation(root); err != nil {
			logrus.WithError(err).WithField("controller", ctl.Name).Debug("systemd delegation not available, continuing without it")
		}
		ctl.MountRoot = root
		ctl.GroupPath = filepath.Join(root, relPath)
		ctl.MemberFile = filepath.Join(ctl.GroupPath, "cgroup.procs")

		if fi, err := os.Stat(ctl.GroupPath); err == nil && fi.IsDir() {
			return fmt.Errorf("%w: %s already exists; specify a deeper group path or clean up the cgroup", ErrLeafExists, ctl.GroupPath)
		}
	}
	return nil
}

// Create makes each controller's leaf directory, creating missing
// intermediate directories along the way. The leaf itself is made with a
// single mkdir that fails if it already exists, so two concurrent
// invocations targeting the same relative path can't both believe they
// created it first. A lock on a sentinel file inside the controller's
// mount root is also taken when it can be (best effort: Create proceeds
// without it if the file can't be created or another holder has it).
func (c *Collection) Create() error {
	for _, ctl := range c.items {
		lock := flock.New(filepath.Join(ctl.MountRoot, ".cgtrap.lock"))
		locked, err := lock.TryLock()
		if err == nil && locked {
			defer lock.Unlock()
		}

		if fi, err := os.Stat(ctl.GroupPath); err == nil && fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrLeafExists, ctl.GroupPath)
		}
		if err := os.MkdirAll(filepath.Dir(ctl.GroupPath), 0755); err != nil {
			return fmt.Errorf("couldn't create %s, check permissions: %w", filepath.Dir(ctl.GroupPath), err)
		}
		if err := os.Mkdir(ctl.GroupPath, 0755); err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%w: %s", ErrLeafExists, ctl.GroupPath)
			}
			return fmt.Errorf("couldn't create %s, check permissions: %w", ctl.GroupPath, err)
		}
	}
	return nil
}

// ApplySettings writes every controller's settings files, in the order
// they were supplied on the command line. A later write to a duplicated
// key simply overwrites the earlier one, since both hit the same file.
func (c *Collection) ApplySettings() error {
	for _, ctl := range c.items {
		for _, s := range ctl.Settings {
			path := filepath.Join(ctl.GroupPath, s.Key)
			if err := os.WriteFile(path, []byte(s.Value), 0644); err != nil {
				return fmt.Errorf("writing %q to %s: %w", s.Value, path, err)
			}
		}
	}
	return nil
}

// Join adds pid to every controller's member file. The child-init stage
// (child.Init) performs the same writes itself, from the member-file paths
// passed in its environment, before it execs the target; a failure there
// is fatal to the child process only, never to the supervisor.
func (c *Collection) Join(pid int) error {
	for _, ctl := range c.items {
		if err := os.WriteFile(ctl.MemberFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
			return fmt.Errorf("can't add pid to %s: %w", ctl.MemberFile, err)
		}
	}
	return nil
}

// KillMembers signals every pid currently listed in every controller's
// member file and returns the total count signalled. Errors opening or
// reading an individual member file are tolerated and treated as "no
// members", since the group may have already been torn down.
func (c *Collection) KillMembers(sig syscall.Signal) int {
	killed := 0
	for _, ctl := range c.items {
		killed += killMembersOf(ctl.MemberFile, sig)
	}
	return killed
}

func killMembersOf(path string, sig syscall.Signal) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	count := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, sig); err == nil {
			count++
		}
	}
	return count
}

// Destroy removes every controller's leaf directory. Errors are returned
// to the caller for logging, never treated as fatal: the supervisor has no
// record of what it may have created above the leaf and does not attempt
// to remove ancestors.
func (c *Collection) Destroy() []error {
	var errs []error
	for _, ctl := range c.items {
		if ctl.GroupPath == "" {
			continue
		}
		if err := os.Remove(ctl.GroupPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing %s: %w", ctl.GroupPath, err))
		}
	}
	return errs
}

var errSweepIncomplete = errors.New("members remain")

// SweepUntilClean repeatedly kills every member of every controller,
// re-reading each member file on every pass (descendants can fork between
// reads), until none remain or the retry budget is exhausted. interval is
// the delay between passes; budget bounds the total retry time, the same
// way the polite-kill grace bounds phase A.
func (c *Collection) SweepUntilClean(interval, budget time.Duration) (clean bool) {
	maxRetries := uint64(budget / interval)
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	err := backoff.Retry(func() error {
		if c.KillMembers(syscall.SIGKILL) == 0 {
			clean = true
			return nil
		}
		return errSweepIncomplete
	}, b)
	return err == nil && clean
}
