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

// Package cgroup manages the lifecycle of the control groups the supervised
// child is confined to: creating leaf directories, writing settings,
// enforcing membership, sweeping survivors, and tearing the directories
// back down.
package cgroup

import "fmt"

// Setting is one (key, value) pair applied to a controller's group
// directory. Key is the basename of a settings file; value is written
// verbatim. Keys are not deduplicated here: later writes to the same key
// simply overwrite earlier ones, which is the point of keeping them
// ordered.
type Setting struct {
	Key   string
	Value string
}

// Controller is one --controller entry: a named cgroup subsystem, the
// group directory cgtrap creates under it, and the settings to apply
// there before the child joins.
type Controller struct {
	Name string

	// MountRoot is the controller's mount point (e.g. /sys/fs/cgroup/memory),
	// resolved lazily by Collection.Finalize.
	MountRoot string

	// GroupPath is MountRoot joined with the shared relative path.
	GroupPath string

	// MemberFile is GroupPath/cgroup.procs.
	MemberFile string

	Settings []Setting
}

func (c *Controller) addSetting(key, value string) {
	c.Settings = append(c.Settings, Setting{Key: key, Value: value})
}

// Collection is the ordered, name-deduplicated set of controllers built
// while parsing options. It is mutable only until Finalize is called.
type Collection struct {
	items []*Controller
	index map[string]int
}

// NewCollection returns an empty controller collection.
func NewCollection() *Collection {
	return &Collection{index: make(map[string]int)}
}

// Add appends a controller with the given name, unless one already exists,
// in which case its existing handle is returned. First wins on duplicates.
func (c *Collection) Add(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	i := len(c.items)
	c.items = append(c.items, &Controller{Name: name})
	c.index[name] = i
	return i
}

// Set appends a (key, value) setting to the controller identified by
// handle, which must be a value previously returned by Add.
func (c *Collection) Set(handle int, key, value string) {
	c.items[handle].addSetting(key, value)
}

// Len reports the number of distinct controllers.
func (c *Collection) Len() int { return len(c.items) }

// All returns the controllers in insertion order. Callers must not mutate
// the returned slice's contents after Finalize.
func (c *Collection) All() []*Controller { return c.items }

func (c *Collection) String() string {
	names := make([]string, len(c.items))
	for i, ctl := range c.items {
		names[i] = ctl.Name
	}
	return fmt.Sprintf("%v", names)
}
