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
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ApplyResources translates the well-known fields of a LinuxResources value
// into settings on the matching controllers, appended after any settings
// already queued by --set. Fields left nil are skipped; callers only pay for
// the controllers they actually populate.
//
// This is the typed escape hatch for the handful of limits almost every
// invocation wants (memory and cpu and pids limits); anything finer-grained
// still goes through the generic --set/-s key=value path, which writes
// whatever file name it's given without needing a mapping here.
func (c *Collection) ApplyResources(r *specs.LinuxResources) {
	if r == nil {
		return
	}
	if mem := r.Memory; mem != nil {
		h := c.Add("memory")
		if mem.Limit != nil {
			c.Set(h, "memory.limit_in_bytes", strconv.FormatInt(*mem.Limit, 10))
		}
		if mem.Swap != nil {
			c.Set(h, "memory.memsw.limit_in_bytes", strconv.FormatInt(*mem.Swap, 10))
		}
	}
	if cpu := r.CPU; cpu != nil {
		h := c.Add("cpu")
		if cpu.Shares != nil {
			c.Set(h, "cpu.shares", strconv.FormatUint(*cpu.Shares, 10))
		}
		if cpu.Quota != nil {
			c.Set(h, "cpu.cfs_quota_us", strconv.FormatInt(*cpu.Quota, 10))
		}
		if cpu.Period != nil {
			c.Set(h, "cpu.cfs_period_us", strconv.FormatUint(*cpu.Period, 10))
		}
	}
	if pids := r.Pids; pids != nil {
		h := c.Add("pids")
		c.Set(h, "pids.max", strconv.FormatInt(pids.Limit, 10))
	}
}
