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

package supervisor

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	runc "github.com/containerd/go-runc"
)

// genericFailureCode is reported when the child could not be confirmed
// reaped at all: killed-but-unconfirmed, or never started.
const genericFailureCode = 1

// Outcome is teardown's final verdict: the exit code main should report,
// and whether cleanup (the descendant sweep or directory removal) fell
// short of fully clean.
type Outcome struct {
	ExitCode        int
	CleanupIncomplete bool
}

// Teardown runs unconditionally after Run returns, regardless of why.
// Phase A politely then forcibly kills the immediate child if it isn't
// already reaped; phase B sweeps every control group's member file until
// it's empty or the retry budget runs out; phase C removes the leaf
// directories. Signal handlers are restored to default disposition last.
func Teardown(st *State, res *LoopResult) *Outcome {
	out := &Outcome{}

	if res.ChildExited {
		out.ExitCode = res.Status
	} else {
		out.ExitCode = terminateChild(st, res.exitCh, res.sigCh)
	}

	out.CleanupIncomplete = !sweep(st)

	signal.Stop(res.sigCh)
	return out
}

// terminateChild implements phase A: SIGTERM, wait up to the configured
// grace; on timeout SIGKILL and wait again. A second terminating signal
// observed while waiting aborts the wait in favor of proceeding straight
// to the descendant sweep, which will catch the child along with
// everything else in its cgroups.
func terminateChild(st *State, exitCh <-chan runc.Exit, sigCh <-chan os.Signal) int {
	pid := st.Cmd.Process.Pid

	send := func(sig syscall.Signal) {
		if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
			st.Log.WithError(err).Warnf("sending %v to child pid %d", sig, pid)
		}
	}

	send(syscall.SIGTERM)
	reaped, aborted := waitForReap(exitCh, sigCh, pid, st.DelayToSIGKILL)
	if reaped {
		return exitStatus(st.Cmd)
	}
	if aborted {
		st.Log.Warn("teardown interrupted during polite wait; proceeding to descendant sweep")
		return genericFailureCode
	}

	send(syscall.SIGKILL)
	reaped, _ = waitForReap(exitCh, sigCh, pid, st.DelayToSIGKILL)
	if reaped {
		return exitStatus(st.Cmd)
	}

	st.Log.Warn("child not reaped after SIGKILL; giving up and proceeding to descendant sweep")
	return genericFailureCode
}

// waitForReap blocks for up to grace, reporting whether pid was reaped, or
// whether a terminating signal arrived first (aborted), or neither
// (timeout). It deliberately does not return a status: go-runc's Exit
// carries none worth trusting (see exitStatus), so the caller recomputes
// it from the child's *exec.ProcessState once reaped is true.
func waitForReap(exitCh <-chan runc.Exit, sigCh <-chan os.Signal, pid int, grace time.Duration) (reaped, aborted bool) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case e := <-exitCh:
			if e.Pid == pid {
				return true, false
			}
		case <-sigCh:
			return false, true
		case <-timer.C:
			return false, false
		}
	}
}

// exitStatus maps a reaped child's wait status onto the exit code table:
// 128+signal for a signal-terminated child, its own exit code otherwise.
// go-runc's default monitor sets Exit.Status from WaitStatus.ExitStatus(),
// which is -1 (and gets clamped to 255 on certain Wait errors) for a
// signalled child rather than 128+signal, so it is not used here. By the
// time the exit channel has fired for this pid, the monitor's internal
// goroutine has already called cmd.Wait(), so cmd.ProcessState carries the
// real syscall.WaitStatus this needs.
func exitStatus(cmd *exec.Cmd) int {
	ps := cmd.ProcessState
	if ps == nil {
		return genericFailureCode
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return genericFailureCode
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// sweep implements phase B and C: repeatedly SIGKILL every pid still
// listed in any controller's member file until none remain or the retry
// budget (the same grace used for phase A) is exhausted, then remove each
// controller's now-empty leaf directory.
func sweep(st *State) (clean bool) {
	clean = st.Controllers.SweepUntilClean(time.Millisecond, st.DelayToSIGKILL)
	if !clean {
		st.Log.Warn("descendant sweep exhausted its retry budget; some processes may remain")
	}
	for _, err := range st.Controllers.Destroy() {
		st.Log.WithError(err).Warn("removing cgroup leaf directory")
		clean = false
	}
	return clean
}
