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
	"testing"
	"time"
)

func TestConsumeRejectsMoreThanAvailable(t *testing.T) {
	w := NewCreditWindow(16)
	if err := w.Consume(17); err == nil {
		t.Fatal("expected error consuming more than available")
	}
	if err := w.Consume(16); err != nil {
		t.Fatalf("Consume(16): %v", err)
	}
	if w.Available() != 0 {
		t.Fatalf("got %d available, want 0", w.Available())
	}
}

func TestReturnAppliesOnePlusByteFormula(t *testing.T) {
	w := NewCreditWindow(300)
	if err := w.Consume(300); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := w.Return(0); err != nil {
		t.Fatalf("Return(0): %v", err)
	}
	if w.Available() != 1 {
		t.Fatalf("got %d, want 1 credit for a zero acknowledgement byte", w.Available())
	}
	if err := w.Return(255); err != nil {
		t.Fatalf("Return(255): %v", err)
	}
	if w.Available() != 1+256 {
		t.Fatalf("got %d, want 257", w.Available())
	}
}

func TestReturnRejectsOverCredit(t *testing.T) {
	w := NewCreditWindow(10)
	if err := w.Consume(1); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := w.Return(0); err != nil {
		t.Fatalf("Return(0): %v", err)
	}
	if err := w.Return(255); err == nil {
		t.Fatal("expected over-credit error")
	}
}

func TestReturnAllStopsAtFirstError(t *testing.T) {
	w := NewCreditWindow(2)
	if err := w.Consume(2); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	err := w.ReturnAll([]byte{0, 0, 0})
	if err == nil {
		t.Fatal("expected over-credit error from the third byte")
	}
	if w.Available() != 2 {
		t.Fatalf("got %d, want 2 (the first two acks applied before the error)", w.Available())
	}
}

func TestWaitForCreditUnblocksOnReturn(t *testing.T) {
	w := NewCreditWindow(4)
	if err := w.Consume(4); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan int, 1)
	go func() {
		avail, ok := w.WaitForCredit(ctx)
		if !ok {
			done <- -1
			return
		}
		done <- avail
	}()

	time.Sleep(10 * time.Millisecond)
	if err := w.Return(3); err != nil {
		t.Fatalf("Return: %v", err)
	}

	select {
	case avail := <-done:
		if avail <= 0 {
			t.Fatalf("got %d, want positive available credit", avail)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForCredit did not unblock after Return")
	}
}

func TestWaitForCreditRespectsCancellation(t *testing.T) {
	w := NewCreditWindow(4)
	if err := w.Consume(4); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := w.WaitForCredit(ctx); ok {
		t.Fatal("expected WaitForCredit to report not-ok for an already-cancelled context")
	}
}
