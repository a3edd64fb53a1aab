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
	"context"
	"fmt"
	"os"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	systemdutil "github.com/coreos/go-systemd/v22/util"
	"github.com/godbus/dbus/v5"
)

// delegatedUnitNamePrefix names the transient scope cgtrap asks systemd for
// when a controller's mount root turns out to live inside a
// systemd-managed slice the caller doesn't otherwise have permission to
// create subdirectories under.
const delegatedUnitNamePrefix = "cgtrap"

const transientUnitTimeout = 5 * time.Second

// ensureSystemdDelegation best-effort-requests cgroup delegation for root
// when running under systemd and root isn't already writable. It never
// fails the caller: on any error it leaves the directory as-is and lets
// the subsequent mkdir report the real problem.
func ensureSystemdDelegation(root string) error {
	if !systemdutil.IsRunningSystemd() {
		return nil
	}
	if writable(root) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), transientUnitTimeout)
	defer cancel()

	conn, err := systemddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd over dbus: %w", err)
	}
	defer conn.Close()

	unitName := fmt.Sprintf("%s-%d.scope", delegatedUnitNamePrefix, os.Getpid())
	props := []systemddbus.Property{
		systemddbus.PropPids([]uint32{uint32(os.Getpid())}),
		{Name: "Delegate", Value: dbus.MakeVariant(true)},
	}

	done := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unitName, "fail", props, done); err != nil {
		return fmt.Errorf("starting transient scope %s: %w", unitName, err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for transient scope %s", unitName)
	}
}

func writable(path string) bool {
	if os.Geteuid() == 0 {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0200 != 0
}
