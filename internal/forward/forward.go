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

package forward

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Policy mirrors options.CapturePolicy without importing it, keeping
// forward independent of the options package.
type Policy struct {
	Output bool
	Stderr bool
}

// Stream is one captured output channel: the read end the supervisor
// polls, paired with a human-readable label for diagnostics.
type Stream struct {
	Label string
	r     *os.File
	w     *os.File
}

// Read satisfies io.Reader by delegating to the pipe's read end, so
// Stream can be passed directly to copy helpers.
func (s *Stream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Fd returns the read end's file descriptor, for use in a poll/select set.
func (s *Stream) Fd() int { return int(s.r.Fd()) }

// Close closes the read end. Pipes.Close calls it for every active
// stream; main does so on its start-up failure paths.
func (s *Stream) Close() error { return s.r.Close() }

// Pipes owns the anonymous pipes backing the output forwarder: zero, one,
// or two of them, matching the capture policy.
type Pipes struct {
	policy Policy
	Stdout *Stream
	Stderr *Stream
}

// NewPipes constructs exactly the pipes the policy calls for. Both ends of
// every pipe created here are close-on-exec by default (os.Pipe's Go
// semantics); the child still receives the write ends Attach assigns,
// because exec.Cmd duplicates them onto its standard output and error.
func NewPipes(policy Policy) (*Pipes, error) {
	p := &Pipes{policy: policy}
	if !policy.Output {
		return p, nil
	}
	var err error
	if p.Stdout, err = newStream("stdout"); err != nil {
		return nil, err
	}
	if policy.Stderr {
		if p.Stderr, err = newStream("stderr"); err != nil {
			p.Stdout.Close()
			return nil, err
		}
	}
	return p, nil
}

func newStream(label string) (*Stream, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating %s capture pipe: %w", label, err)
	}
	return &Stream{Label: label, r: r, w: w}, nil
}

// Attach wires the child's stdout/stderr per the capture policy:
//   - capture output: the pipe write ends.
//   - capture output, no capture stderr: stderr is inherited from the
//     supervisor, matching the spec's policy table.
//   - no capture output: stdout goes to a discard sink; stderr too, but
//     only if capture stderr was also requested (otherwise inherited).
//
// Inheritance is explicit (cmd.Stderr = os.Stderr): exec.Cmd connects a nil
// Stderr to the null device rather than to the parent's stderr.
func (p *Pipes) Attach(cmd *exec.Cmd) (discard *os.File, err error) {
	cmd.Stderr = os.Stderr
	if p.policy.Output {
		cmd.Stdout = p.Stdout.w
		if p.Stderr != nil {
			cmd.Stderr = p.Stderr.w
		}
		return nil, nil
	}

	discard, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	cmd.Stdout = discard
	if p.policy.Stderr {
		cmd.Stderr = discard
	}
	return discard, nil
}

// ReleaseWriteEnds closes the supervisor's copies of the pipe write ends.
// Call this once the child has been started: holding the write end open
// in the parent would mean the read end never sees EOF even after the
// child exits.
func (p *Pipes) ReleaseWriteEnds() {
	if p.Stdout != nil {
		p.Stdout.w.Close()
	}
	if p.Stderr != nil {
		p.Stderr.w.Close()
	}
}

// Streams returns the active read ends, for the supervisor loop to poll.
func (p *Pipes) Streams() []*Stream {
	var out []*Stream
	if p.Stdout != nil {
		out = append(out, p.Stdout)
	}
	if p.Stderr != nil {
		out = append(out, p.Stderr)
	}
	return out
}

// Close closes every read end still open.
func (p *Pipes) Close() {
	for _, s := range p.Streams() {
		s.Close()
	}
}

const maxBufferedCopy = 4096

// Forwarder moves bytes from capture streams to the supervisor's own
// standard output, never exceeding the credit window.
type Forwarder struct {
	out    *os.File
	window *CreditWindow
}

// NewForwarder forwards onto out, metered by window.
func NewForwarder(out *os.File, window *CreditWindow) *Forwarder {
	return &Forwarder{out: out, window: window}
}

// Forward copies up to the window's remaining budget from src to the
// supervisor's stdout, decrementing the window by exactly the number of
// bytes written. It returns the number of bytes forwarded and io.EOF once
// the child has closed its end of the pipe.
func (f *Forwarder) Forward(src *Stream) (int, error) {
	budget := f.window.Available()
	if budget == 0 {
		return 0, nil
	}
	if budget > maxBufferedCopy {
		budget = maxBufferedCopy
	}

	n, err := spliceOrCopy(f.out, src.r, budget)
	if n > 0 {
		if cerr := f.window.Consume(n); cerr != nil {
			// Invariant 3 violation: the loop treats this as fatal.
			return n, cerr
		}
	}
	return n, err
}

// ForwardBlocking waits for at least one credit to become available, then
// forwards exactly as Forward does. Callers loop on this instead of
// polling Forward directly, so an exhausted window parks the goroutine
// rather than spinning.
func (f *Forwarder) ForwardBlocking(ctx context.Context, src *Stream) (int, error) {
	if _, ok := f.window.WaitForCredit(ctx); !ok {
		return 0, ctx.Err()
	}
	return f.Forward(src)
}

func spliceOrCopy(dst, src *os.File, max int) (int, error) {
	n, err := unix.Splice(int(src.Fd()), nil, int(dst.Fd()), nil, max, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
	if err == nil {
		if n == 0 {
			// splice reports 0 only when every writer of src has closed.
			return 0, io.EOF
		}
		return int(n), nil
	}
	// Splice can fail for reasons unrelated to the data (e.g. dst isn't a
	// pipe on this kernel); fall back to a bounded buffered copy so
	// forwarding still makes progress.
	buf := make([]byte, max)
	rn, rerr := src.Read(buf)
	if rn > 0 {
		if _, werr := dst.Write(buf[:rn]); werr != nil {
			return rn, werr
		}
	}
	return rn, rerr
}

var _ io.Reader = (*Stream)(nil)
