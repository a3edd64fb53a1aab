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

// Command cgtrap launches a program confined to one or more control
// groups and guarantees its full teardown, including descendants, when
// the supervisor itself is signalled or its host disconnects.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nsroot/cgtrap/internal/cgroup"
	"github.com/nsroot/cgtrap/internal/child"
	"github.com/nsroot/cgtrap/internal/diag"
	"github.com/nsroot/cgtrap/internal/forward"
	"github.com/nsroot/cgtrap/internal/options"
	"github.com/nsroot/cgtrap/internal/supervisor"
)

// usageFailureCode and startFailureCode are both "supervisor-level
// failure" in the exit code table's sense; they're distinguished only so
// a reader of the source can tell configuration errors from runtime ones.
const (
	usageFailureCode = 1
	startFailureCode = 1
)

func main() {
	if child.IsReexec() {
		if err := child.Init(); err != nil {
			diag.Fatal("child-init", err)
			os.Exit(1)
		}
		// child.Init only returns on error: success replaces this process
		// image via syscall.Exec.
		return
	}

	os.Exit(run())
}

// run is main's entire body, split out so the only os.Exit calls in the
// package are the two in main above: the central "no exit from anywhere
// else" rule applies to every helper this calls.
func run() int {
	opts, err := options.Parse(os.Args[1:])
	if err != nil {
		if options.IsUsage(err) {
			return 0
		}
		diag.Fatal("usage", err)
		return usageFailureCode
	}

	log := diag.New(opts.Verbose)

	if opts.Controllers.Len() > 0 {
		if err := opts.Controllers.Finalize(opts.GroupPath); err != nil {
			diag.Fatal("cgroup-setup", err)
			return usageFailureCode
		}
		if err := opts.Controllers.Create(); err != nil {
			diag.Fatal("cgroup-setup", err)
			return usageFailureCode
		}
		if err := opts.Controllers.ApplySettings(); err != nil {
			diag.Fatal("cgroup-setup", err)
			cleanupControllers(log, opts.Controllers)
			return usageFailureCode
		}
	}

	pipes, err := forward.NewPipes(forward.Policy{Output: opts.Capture.Output, Stderr: opts.Capture.Stderr})
	if err != nil {
		diag.Fatal("forward-setup", err)
		cleanupControllers(log, opts.Controllers)
		return startFailureCode
	}

	cmd, err := child.Prepare(child.Spec{
		Controllers: opts.Controllers,
		Program:     opts.Program,
		Arg0:        opts.Arg0,
		Gid:         opts.Gid,
		Uid:         opts.Uid,
	})
	if err != nil {
		diag.Fatal("child-prepare", err)
		pipes.Close()
		cleanupControllers(log, opts.Controllers)
		return startFailureCode
	}

	discard, err := pipes.Attach(cmd)
	if err != nil {
		diag.Fatal("forward-setup", err)
		pipes.Close()
		cleanupControllers(log, opts.Controllers)
		return startFailureCode
	}

	st := supervisor.New(opts, log, cmd, pipes, discard)

	// Before this point, no child exists: any failure above simply exits,
	// and those after Create succeeded first remove the leaf directories
	// it made.
	// From here on, teardown is mandatory on every path (see §7's central
	// invariant): the child may already be starting.
	res, err := supervisor.Run(context.Background(), st)
	if err != nil {
		diag.Fatal("start", err)
		cleanupControllers(log, opts.Controllers)
		return startFailureCode
	}

	outcome := supervisor.Teardown(st, res)
	return outcome.ExitCode
}

// cleanupControllers removes whatever cgroup leaf directories were
// already created before a failure that happens prior to the child
// existing. There is nothing yet to kill, only directories to remove.
func cleanupControllers(log *logrus.Logger, controllers *cgroup.Collection) {
	if controllers == nil || controllers.Len() == 0 {
		return
	}
	for _, err := range controllers.Destroy() {
		log.WithError(err).Warn("removing cgroup leaf directory")
	}
}
