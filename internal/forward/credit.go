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

// Package forward implements the output forwarder: the credit-based
// back-pressure window and the pipes that carry the supervised child's
// stdout/stderr to the supervisor's own stdout.
package forward

import (
	"context"
	"fmt"
	"sync"
)

// CreditWindow bounds how many bytes the forwarder may write to the
// supervisor's standard output before the host acknowledges them. The
// supervisor loop reads acknowledgements on one goroutine while one
// goroutine per capture stream spends credit, so the window guards its
// state with a mutex and wakes blocked spenders through a signal channel
// rather than assuming single-goroutine ownership.
type CreditWindow struct {
	mu        sync.Mutex
	max       int
	available int
	signal    chan struct{}
}

// NewCreditWindow starts a window with its full budget available, ready to
// be consumed by the first forwarded bytes.
func NewCreditWindow(max int) *CreditWindow {
	return &CreditWindow{max: max, available: max, signal: make(chan struct{}, 1)}
}

// Max returns the configured ceiling.
func (w *CreditWindow) Max() int { return w.max }

// Available returns the currently spendable budget.
func (w *CreditWindow) Available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Consume decrements the available budget by n, one credit per byte
// actually written to standard output. n must not exceed Available(); the
// forwarder is responsible for never asking for more than that.
func (w *CreditWindow) Consume(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n < 0 || n > w.available {
		return fmt.Errorf("consuming %d credits exceeds %d available", n, w.available)
	}
	w.available -= n
	return nil
}

// Return applies the host's acknowledgement-byte formula: a byte value of
// b returns 1+b credits (so a zero byte still returns one credit, and a
// single byte can never return more than 256). It is an error — the host
// misbehaving — for the result to exceed Max(); existing hosts rely on
// this exact mapping, so it must not be "improved" into something
// friendlier.
func (w *CreditWindow) Return(b byte) error {
	w.mu.Lock()
	credit := 1 + int(b)
	if w.available+credit > w.max {
		avail := w.available
		w.mu.Unlock()
		return fmt.Errorf("over-credit: %d + %d exceeds window max %d", avail, credit, w.max)
	}
	w.available += credit
	w.mu.Unlock()
	w.wake()
	return nil
}

// ReturnAll applies Return to every byte in acks, stopping and returning
// the first over-credit error encountered. Partial credit already applied
// before the error is kept: the caller is about to exit with failure
// either way.
func (w *CreditWindow) ReturnAll(acks []byte) error {
	for _, b := range acks {
		if err := w.Return(b); err != nil {
			return err
		}
	}
	return nil
}

// WaitForCredit blocks until at least one credit is available or ctx is
// done, returning the observed balance. Forwarder goroutines use this to
// avoid busy-polling an empty window between acknowledgements.
func (w *CreditWindow) WaitForCredit(ctx context.Context) (int, bool) {
	for {
		if avail := w.Available(); avail > 0 {
			return avail, true
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (w *CreditWindow) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}
