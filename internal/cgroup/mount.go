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
	"path/filepath"

	"github.com/containerd/cgroups"
)

// defaultCgroupRoot is the fallback used when the live mountinfo table
// can't be consulted (e.g. the controller isn't mounted separately, as on
// cgroup v2 unified hosts) or the lookup otherwise fails.
const defaultCgroupRoot = "/sys/fs/cgroup"

// mountResolver returns the absolute mount point of a named cgroup v1
// controller. It is a package variable so tests can substitute a resolver
// pointing at a temporary directory tree instead of the real cgroupfs.
var mountResolver = defaultMountResolver

func defaultMountResolver(name string) (string, error) {
	root, err := cgroups.FindCgroupMountpoint("/", name)
	if err != nil {
		return filepath.Join(defaultCgroupRoot, name), nil
	}
	return root, nil
}
