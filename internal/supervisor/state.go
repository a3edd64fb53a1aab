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

// Package supervisor runs the central event loop: it owns the immediate
// child, the output forwarder, and the control groups for the lifetime of
// one invocation, from the moment the child-init wrapper starts until its
// leaf cgroup directories are gone.
package supervisor

import (
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nsroot/cgtrap/internal/cgroup"
	"github.com/nsroot/cgtrap/internal/forward"
	"github.com/nsroot/cgtrap/internal/options"
)

// State is the single struct the supervisor loop and teardown operate on.
// The loop's feeder goroutines share Window and Forward (the window guards
// its own state with a mutex) and report back only over a channel owned by
// Run; nothing else here is touched concurrently.
type State struct {
	Log *logrus.Logger

	Controllers *cgroup.Collection
	Cmd         *exec.Cmd

	Pipes    *forward.Pipes
	Window   *forward.CreditWindow
	Forward  *forward.Forwarder
	Discard  *os.File // non-nil only when capture is off; closed by Run once the child has started.

	// DelayToSIGKILL is the grace both teardown phases share: how long to
	// wait for a reap after SIGTERM before escalating to SIGKILL, and the
	// total retry budget for the descendant sweep.
	DelayToSIGKILL time.Duration

	// Stdin is the supervisor's own standard input, read for credit
	// acknowledgement bytes. Stdout is where forwarded child output (and
	// nothing else the child produced) is written.
	Stdin  *os.File
	Stdout *os.File
}

// New assembles a State from parsed options and the pieces already wired
// up by the caller (cgroup collection, prepared child command, capture
// pipes). It does not start anything.
func New(opts *options.Options, log *logrus.Logger, cmd *exec.Cmd, pipes *forward.Pipes, discard *os.File) *State {
	window := forward.NewCreditWindow(opts.StdioWindow)
	return &State{
		Log:            log,
		Controllers:    opts.Controllers,
		Cmd:            cmd,
		Pipes:          pipes,
		Window:         window,
		Forward:        forward.NewForwarder(os.Stdout, window),
		Discard:        discard,
		DelayToSIGKILL: time.Duration(opts.DelayToSIGKILLMillis) * time.Millisecond,
		Stdin:          os.Stdin,
		Stdout:         os.Stdout,
	}
}
