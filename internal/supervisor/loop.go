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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	runc "github.com/containerd/go-runc"
	"golang.org/x/sync/errgroup"

	"github.com/nsroot/cgtrap/internal/forward"
)

// ackReadBudget bounds how many acknowledgement bytes are read from the
// host per wakeup; the spec calls 32 "sufficient".
const ackReadBudget = 32

var errHostHangup = errors.New("host standard input closed")

// LoopResult reports why the event loop stopped. Exactly one of
// ChildExited or Fatal describes the reason.
type LoopResult struct {
	ChildExited bool
	Status      int

	// Fatal is set when the loop ended for any reason other than the
	// immediate child exiting on its own: host disconnect, a terminating
	// signal, or a feeder goroutine reporting a protocol violation (an
	// over-credit acknowledgement).
	Fatal error

	// exitCh and sigCh stay live after Run returns so Teardown can keep
	// watching for the eventual reap (phase A) and for a second
	// terminating signal that should abort the polite wait.
	exitCh <-chan runc.Exit
	sigCh  chan os.Signal
}

// Run starts the prepared child through go-runc's Monitor and drives the
// event loop: it selects over the signal channel, the go-runc
// exit channel, and the feeder goroutines reading host acknowledgements
// and forwarding capture output, exactly mirroring the self-pipe poll loop
// described for the supervisor loop component. It returns as soon as any
// one of those sources ends the loop; it never tears anything down.
func Run(ctx context.Context, st *State) (*LoopResult, error) {
	// Start is the only source of the child's exit notification: the
	// default monitor's internal goroutine calls cmd.Wait() and sends the
	// result on the channel it returns here, then closes it. Nothing else
	// ever delivers on this channel, so it (not a separately constructed
	// one) is what both Teardown and the select below must read from.
	exitCh, err := runc.Monitor.Start(st.Cmd)
	if err != nil {
		return nil, fmt.Errorf("starting child: %w", err)
	}
	if st.Pipes != nil {
		st.Pipes.ReleaseWriteEnds()
	}
	if st.Discard != nil {
		st.Discard.Close()
	}

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Feeders report their own terminal condition here; errgroup only
	// needs to own their lifetimes and propagate cancellation, not carry
	// the result back (that would race against the select below).
	eventCh := make(chan error, 2)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		err := readAcks(gctx, st)
		if err != nil {
			eventCh <- err
		}
		return err
	})
	for _, stream := range st.Pipes.Streams() {
		stream := stream
		g.Go(func() error {
			err := forwardStream(gctx, st, stream)
			if err != nil {
				eventCh <- err
			}
			return err
		})
	}
	// Drained in the background: feeders unblock once their reads end
	// (a capture pipe reaching EOF when every writer in the child's tree
	// has exited, standard input closing) or the process exits, so Run
	// doesn't wait on them here.
	go func() { _ = g.Wait() }()

	childPid := st.Cmd.Process.Pid
	result := &LoopResult{exitCh: exitCh, sigCh: sigCh}
	for {
		select {
		case e := <-exitCh:
			if e.Pid != childPid {
				continue // defensive: Start's channel only carries this cmd's exit.
			}
			result.ChildExited = true
			result.Status = exitStatus(st.Cmd)
			return result, nil
		case sig := <-sigCh:
			result.Fatal = fmt.Errorf("received signal %v", sig)
			return result, nil
		case err := <-eventCh:
			result.Fatal = err
			return result, nil
		}
	}
}

// readAcks reads acknowledgement bytes from the host's side of standard
// input and applies the credit formula to the window, until standard
// input hangs up or a read fails outright.
func readAcks(ctx context.Context, st *State) error {
	r := bufio.NewReaderSize(st.Stdin, ackReadBudget)
	buf := make([]byte, ackReadBudget)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if cerr := st.Window.ReturnAll(buf[:n]); cerr != nil {
				return fmt.Errorf("host acknowledgement: %w", cerr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return errHostHangup
			}
			return fmt.Errorf("reading host input: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// forwardStream repeatedly forwards one capture stream until it hits EOF
// (the child closed its end) or a fatal error.
func forwardStream(ctx context.Context, st *State, stream *forward.Stream) error {
	for {
		_, err := st.Forward.ForwardBlocking(ctx, stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("forwarding %s: %w", stream.Label, err)
		}
	}
}
