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

// Package child launches and re-execs into the supervised program.
//
// Go has no direct equivalent of fork() followed by arbitrary setup code
// before exec(): os/exec's Start always forks and execs the named program
// together. The idiomatic replacement, used throughout the containerd and
// runc ecosystem (see runc's own "runc init" re-exec stage), is a
// self-re-exec: the parent starts a copy of its own binary in a hidden
// mode, and that re-executed process performs the fork-time setup (joining
// cgroups, dropping privilege) before replacing itself with the real
// target via syscall.Exec.
package child

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/nsroot/cgtrap/internal/cgroup"
)

// Environment variables used to smuggle setup parameters across the
// re-exec boundary: only strings and file descriptors survive exec, so
// anything Init needs is flattened into env here.
const (
	envReexec     = "CGTRAP_CHILD_INIT"
	envMemberFile = "CGTRAP_MEMBER_FILES" // colon-joined cgroup.procs paths
	envGid        = "CGTRAP_GID"
	envUid        = "CGTRAP_UID"
	envArg0       = "CGTRAP_ARG0"
)

// Spec describes the child to launch.
type Spec struct {
	Controllers *cgroup.Collection

	// Program is argv for the target: Program[0] is the executable to
	// look up on PATH, the rest are its arguments.
	Program []string
	// Arg0 overrides argv[0] as seen by the target, independent of the
	// path used to find the executable.
	Arg0 string

	Gid uint32
	Uid uint32
}

// IsReexec reports whether the current process was started by Prepare to
// act as the child-init stage, rather than being invoked as the
// supervisor itself.
func IsReexec() bool { return os.Getenv(envReexec) == "1" }

// Prepare builds the re-exec wrapper command but does not start it: the
// caller wires stdout/stderr (see package forward) and starts it through
// go-runc's Monitor.Start, which starts the exec.Cmd itself and reports its
// exit on the channel it returns. The wrapper's own
// stdin is always /dev/null: the child's standard input is never
// forwarded (see Non-goals).
func Prepare(spec Spec) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable path: %w", err)
	}

	cmd := exec.Command(exe, spec.Program...)
	cmd.Env = append(os.Environ(),
		envReexec+"=1",
		envMemberFile+"="+strings.Join(memberFiles(spec.Controllers), ":"),
		envGid+"="+strconv.FormatUint(uint64(spec.Gid), 10),
		envUid+"="+strconv.FormatUint(uint64(spec.Uid), 10),
		envArg0+"="+spec.Arg0,
	)

	// Left open for the supervisor's lifetime rather than closed right
	// after Start: Start happens in the caller (through Monitor.Start),
	// so there's no single point here to close it
	// from without the caller threading the handle back.
	devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	cmd.Stdin = devnull

	cmd.SysProcAttr = &syscall.SysProcAttr{
		// The child gets its own process group so a signal aimed only at
		// it doesn't also reach the supervisor.
		Setpgid: true,
	}
	return cmd, nil
}

func memberFiles(c *cgroup.Collection) []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, c.Len())
	for _, ctl := range c.All() {
		paths = append(paths, ctl.MemberFile)
	}
	return paths
}
