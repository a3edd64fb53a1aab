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

// Package options parses and validates the cgtrap command line.
//
// Flag parsing itself is treated as a thin external collaborator: cgtrap
// exposes exactly one operation, so the standard flag package wrapped with
// a handful of short aliases is all the surface needs.
package options

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nsroot/cgtrap/internal/cgroup"
)

// CapturePolicy controls how the child's stdout/stderr are handled.
type CapturePolicy struct {
	Output bool
	Stderr bool
}

// Options is the fully parsed and validated command line.
type Options struct {
	Arg0 string

	Controllers *cgroup.Collection
	GroupPath   string

	Gid uint32
	Uid uint32

	DelayToSIGKILLMillis int
	StdioWindow          int

	Capture CapturePolicy

	Verbose bool

	// Program is the target executable and its arguments (Program[0] is the
	// path to exec; Arg0, if set, replaces only the argv[0] the target sees).
	Program []string
}

const (
	defaultDelayToSIGKILLMillis = 500
	defaultStdioWindow          = 10240
	minStdioWindow              = 16
	maxDelayToSIGKILLMillis     = 1000 // matches the original's 1,000,000us cap, expressed in ms
)

// Parse parses argv (excluding the program name) into Options. A literal
// "--" separates cgtrap's own flags from the target program and its
// arguments, matching getopt_long's convention in the original tool.
func Parse(argv []string) (*Options, error) {
	own, rest := splitOnDoubleDash(argv)

	fs := flag.NewFlagSet("cgtrap", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }

	var (
		arg0       string
		group      string
		uidArg     string
		gidArg     string
		delay      int
		window     int
		captureOut bool
		captureErr bool
		verbose    bool
		events     cliEvents
		memLimit   int64
		cpuShares  uint64
		pidsLimit  int64
	)
	delay = defaultDelayToSIGKILLMillis
	window = defaultStdioWindow

	for _, name := range []string{"arg0", "0"} {
		fs.StringVar(&arg0, name, arg0, "override argv[0] passed to the target")
	}
	for _, name := range []string{"group", "g"} {
		fs.StringVar(&group, name, group, "relative cgroup path shared by all controllers")
	}
	for _, name := range []string{"uid", "u"} {
		fs.StringVar(&uidArg, name, uidArg, "drop privilege to this uid or user name")
	}
	for _, name := range []string{"gid", "a"} {
		fs.StringVar(&gidArg, name, gidArg, "drop privilege to this gid or group name")
	}
	for _, name := range []string{"delay-to-sigkill", "k"} {
		fs.IntVar(&delay, name, delay, "milliseconds between SIGTERM and SIGKILL")
	}
	for _, name := range []string{"stdio-window", "l"} {
		fs.IntVar(&window, name, window, "credit window max, in bytes")
	}
	for _, name := range []string{"capture-output", "o"} {
		fs.BoolVar(&captureOut, name, captureOut, "forward child standard output")
	}
	for _, name := range []string{"capture-stderr", "e"} {
		fs.BoolVar(&captureErr, name, captureErr, "with -o, also forward stderr; without -o, discard it")
	}
	fs.BoolVar(&verbose, "verbose", verbose, "enable debug logging")
	for _, name := range []string{"controller", "c"} {
		fs.Var(&controllerFlag{&events}, name, "append (or reuse) a controller (may repeat)")
	}
	for _, name := range []string{"set", "s"} {
		fs.Var(&settingFlag{&events}, name, "key=value setting for the last-named controller (may repeat)")
	}
	fs.Int64Var(&memLimit, "memory-limit", 0, "memory limit in bytes (shorthand for memory.limit_in_bytes)")
	fs.Uint64Var(&cpuShares, "cpu-shares", 0, "cpu.shares weight (shorthand for cpu.shares)")
	fs.Int64Var(&pidsLimit, "pids-limit", 0, "pids.max limit (shorthand for pids.max)")

	if len(argv) == 0 {
		fs.Usage()
		return nil, errUsage
	}
	if err := fs.Parse(own); err != nil {
		if err == flag.ErrHelp {
			return nil, errUsage
		}
		return nil, err
	}

	if len(rest) == 0 {
		return nil, fmt.Errorf("specify a program to run")
	}

	coll := cgroup.NewCollection()
	cur := -1
	for _, ev := range events {
		if ev.isController {
			cur = coll.Add(ev.value)
			continue
		}
		if cur < 0 {
			return nil, fmt.Errorf("specify a cgroup controller (-c) before setting a variable")
		}
		key, value, ok := strings.Cut(ev.value, "=")
		if !ok {
			return nil, fmt.Errorf("no '=' found when setting a variable: %q", ev.value)
		}
		coll.Set(cur, key, value)
	}

	if res := resourcesFromFlags(memLimit, cpuShares, pidsLimit); res != nil {
		coll.ApplyResources(res)
	}

	if group == "" && coll.Len() > 0 {
		return nil, fmt.Errorf("specify a cgroup group path (-g)")
	}
	if group != "" && coll.Len() == 0 {
		return nil, fmt.Errorf("specify a cgroup controller (-c) if you specify a group path")
	}

	gid, err := resolveGid(gidArg)
	if err != nil {
		return nil, err
	}
	uid, err := resolveUid(uidArg)
	if err != nil {
		return nil, err
	}

	if delay < 0 || delay > maxDelayToSIGKILLMillis {
		return nil, fmt.Errorf("delay to sending a SIGKILL must be at most %dms", maxDelayToSIGKILLMillis)
	}

	stdioWindow := window
	if stdioWindow < minStdioWindow {
		stdioWindow = minStdioWindow
	}

	opts := &Options{
		Arg0:                 arg0,
		Controllers:          coll,
		GroupPath:            group,
		Gid:                  gid,
		Uid:                  uid,
		DelayToSIGKILLMillis: delay,
		StdioWindow:          stdioWindow,
		Capture: CapturePolicy{
			Output: captureOut,
			Stderr: captureErr,
		},
		Verbose: verbose,
		Program: rest,
	}
	return opts, nil
}

// resourcesFromFlags builds a LinuxResources value from the typed shorthand
// flags, or nil if none of them were given. Parse hands the result to
// Collection.ApplyResources after the -c/-s events have been applied, so
// the typed settings land after any --set settings on the same controller.
func resourcesFromFlags(memLimit int64, cpuShares uint64, pidsLimit int64) *specs.LinuxResources {
	var r specs.LinuxResources
	set := false
	if memLimit > 0 {
		r.Memory = &specs.LinuxMemory{Limit: &memLimit}
		set = true
	}
	if cpuShares > 0 {
		r.CPU = &specs.LinuxCPU{Shares: &cpuShares}
		set = true
	}
	if pidsLimit > 0 {
		r.Pids = &specs.LinuxPids{Limit: pidsLimit}
		set = true
	}
	if !set {
		return nil
	}
	return &r
}

var errUsage = fmt.Errorf("usage")

// IsUsage reports whether err is the sentinel returned for a bare --help or
// zero-argument invocation, which should exit 0 rather than with failure.
func IsUsage(err error) bool { return err == errUsage }

func resolveGid(arg string) (uint32, error) {
	if arg == "" {
		return 0, nil
	}
	gid, err := parseNumericOrLookup(arg, func(name string) (uint32, error) {
		g, err := user.LookupGroup(name)
		if err != nil {
			return 0, fmt.Errorf("unknown group %q", name)
		}
		n, err := strconv.ParseUint(g.Gid, 10, 32)
		return uint32(n), err
	})
	if err != nil {
		return 0, err
	}
	if gid == 0 {
		return 0, fmt.Errorf("setting the group to root or gid 0 is not allowed")
	}
	return gid, nil
}

func resolveUid(arg string) (uint32, error) {
	if arg == "" {
		return 0, nil
	}
	uid, err := parseNumericOrLookup(arg, func(name string) (uint32, error) {
		u, err := user.Lookup(name)
		if err != nil {
			return 0, fmt.Errorf("unknown user %q", name)
		}
		n, err := strconv.ParseUint(u.Uid, 10, 32)
		return uint32(n), err
	})
	if err != nil {
		return 0, err
	}
	if uid == 0 {
		return 0, fmt.Errorf("setting the user to root or uid 0 is not allowed")
	}
	return uid, nil
}

func parseNumericOrLookup(arg string, lookup func(string) (uint32, error)) (uint32, error) {
	if n, err := strconv.ParseUint(arg, 0, 32); err == nil {
		return uint32(n), nil
	}
	return lookup(arg)
}

func splitOnDoubleDash(argv []string) (own, rest []string) {
	for i, a := range argv {
		if a == "--" {
			return argv[:i], argv[i+1:]
		}
	}
	return argv, nil
}

const usageText = `Usage: cgtrap [OPTION] -- <program> <args>

Options:
  --arg0,-0 <arg0>
  --controller,-c <cgroup controller>       (may be specified multiple times)
  --group,-g <cgroup path>
  --set,-s <cgroup variable>=<value>        (may be specified multiple times)
  --memory-limit <bytes>
  --cpu-shares <weight>
  --pids-limit <count>
  --delay-to-sigkill,-k <milliseconds>
  --stdio-window,-l <bytes>
  --capture-output,-o
  --capture-stderr,-e
  --uid,-u <uid/user>    drop privilege to this uid or user
  --gid,-a <gid/group>   drop privilege to this gid or group
  --verbose
  -- the program to run and its arguments come after this
`

// cliEvent records one -c/--controller or -s/--set occurrence, in the order
// it appeared on the command line; settings apply to the most recently
// named controller, so the two flags cannot be tracked independently.
type cliEvent struct {
	isController bool
	value        string
}

type cliEvents []cliEvent

// controllerFlag and settingFlag are flag.Value adapters that both append to
// the same underlying ordered event list.
type controllerFlag struct{ events *cliEvents }

func (f *controllerFlag) String() string { return "" }
func (f *controllerFlag) Set(v string) error {
	*f.events = append(*f.events, cliEvent{isController: true, value: v})
	return nil
}

type settingFlag struct{ events *cliEvents }

func (f *settingFlag) String() string { return "" }
func (f *settingFlag) Set(v string) error {
	*f.events = append(*f.events, cliEvent{isController: false, value: v})
	return nil
}
