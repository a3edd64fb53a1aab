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
	"io"
	"os"
	"os/exec"
	"testing"
)

func TestNewPipesNoCapture(t *testing.T) {
	p, err := NewPipes(Policy{})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	if p.Stdout != nil || p.Stderr != nil {
		t.Fatal("expected no pipes when capture output is disabled")
	}
	if len(p.Streams()) != 0 {
		t.Fatalf("got %d streams, want 0", len(p.Streams()))
	}
}

func TestNewPipesOutputOnly(t *testing.T) {
	p, err := NewPipes(Policy{Output: true})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()
	if p.Stdout == nil || p.Stderr != nil {
		t.Fatal("expected exactly a stdout pipe")
	}
	if len(p.Streams()) != 1 {
		t.Fatalf("got %d streams, want 1", len(p.Streams()))
	}
}

func TestNewPipesOutputAndStderr(t *testing.T) {
	p, err := NewPipes(Policy{Output: true, Stderr: true})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()
	if p.Stdout == nil || p.Stderr == nil {
		t.Fatal("expected both stdout and stderr pipes")
	}
	if len(p.Streams()) != 2 {
		t.Fatalf("got %d streams, want 2", len(p.Streams()))
	}
}

func TestAttachNoCaptureUsesDiscardSink(t *testing.T) {
	p, err := NewPipes(Policy{Stderr: true})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()

	cmd := exec.Command("true")
	discard, err := p.Attach(cmd)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer discard.Close()
	if cmd.Stdout != discard || cmd.Stderr != discard {
		t.Fatal("expected both stdout and stderr wired to the discard sink")
	}
}

func TestAttachNoCaptureNoStderrLeavesStderrUntouched(t *testing.T) {
	p, err := NewPipes(Policy{})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()

	cmd := exec.Command("true")
	discard, err := p.Attach(cmd)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer discard.Close()
	if cmd.Stdout != discard {
		t.Fatal("expected stdout wired to the discard sink")
	}
	if cmd.Stderr != os.Stderr {
		t.Fatal("expected stderr left untouched when capture stderr wasn't requested")
	}
}

func TestAttachCaptureOutputOnlyLeavesStderrUntouched(t *testing.T) {
	p, err := NewPipes(Policy{Output: true})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()

	cmd := exec.Command("true")
	discard, err := p.Attach(cmd)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if discard != nil {
		t.Fatal("expected no discard sink when capturing output")
	}
	if cmd.Stderr != os.Stderr {
		t.Fatal("expected stderr left untouched (inherited) without capture stderr")
	}
}

func TestForwardMovesBytesAndConsumesCredit(t *testing.T) {
	p, err := NewPipes(Policy{Output: true})
	if err != nil {
		t.Fatalf("NewPipes: %v", err)
	}
	defer p.Close()

	dstRead, dstWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer dstRead.Close()
	defer dstWrite.Close()

	window := NewCreditWindow(1024)
	fwd := NewForwarder(dstWrite, window)

	payload := []byte("hello, forwarded world")
	if _, err := p.Stdout.w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.Stdout.w.Close()

	total := 0
	for {
		n, err := fwd.Forward(p.Stdout)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if total != len(payload) {
		t.Fatalf("got %d bytes forwarded, want %d", total, len(payload))
	}
	if window.Available() != 1024-len(payload) {
		t.Fatalf("got %d available, want %d", window.Available(), 1024-len(payload))
	}
}

