// Copyright 2025 The svidwatch Authors
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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestNewNotifier(t *testing.T) {
	t.Run("empty signal name disables dispatch", func(t *testing.T) {
		n, err := NewNotifier("", nil, "", testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}
		if n.Enabled() {
			t.Error("Enabled() = true for empty signal name, want false")
		}
	})

	t.Run("valid signal name", func(t *testing.T) {
		n, err := NewNotifier("SIGHUP", nil, "", testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}
		if !n.Enabled() {
			t.Error("Enabled() = false for SIGHUP, want true")
		}
	})

	t.Run("unknown signal name", func(t *testing.T) {
		_, err := NewNotifier("SIGFOO", nil, "", testLogger())
		if !errors.Is(err, ErrUnknownSignal) {
			t.Errorf("NewNotifier() error = %v, want ErrUnknownSignal", err)
		}
	})
}

func TestNotifier_Dispatch(t *testing.T) {
	t.Run("signals the process named in the PID file", func(t *testing.T) {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGWINCH)
		defer signal.Stop(sigCh)

		// Point the PID file at ourselves so delivery is observable.
		pidPath := filepath.Join(t.TempDir(), "app.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		n, err := NewNotifier("WINCH", nil, pidPath, testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		n.Dispatch()

		select {
		case <-sigCh:
		case <-time.After(2 * time.Second):
			t.Fatal("renewal signal was not delivered")
		}
	})

	t.Run("disabled notifier sends nothing", func(t *testing.T) {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGWINCH)
		defer signal.Stop(sigCh)

		pidPath := filepath.Join(t.TempDir(), "app.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		n, err := NewNotifier("", nil, pidPath, testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		n.Dispatch()

		select {
		case <-sigCh:
			t.Error("disabled notifier delivered a signal")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("malformed PID file is logged, not fatal", func(t *testing.T) {
		pidPath := filepath.Join(t.TempDir(), "bad.pid")
		if err := os.WriteFile(pidPath, []byte("not-a-pid\n"), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		n, err := NewNotifier("WINCH", nil, pidPath, testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		// Must not panic or return: failures only surface in the log.
		n.Dispatch()
	})

	t.Run("missing PID file is logged, not fatal", func(t *testing.T) {
		n, err := NewNotifier("WINCH", nil, filepath.Join(t.TempDir(), "gone.pid"), testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		n.Dispatch()
	})

	t.Run("skips child that has exited", func(t *testing.T) {
		child := NewChild("sh", []string{"-c", "exit 0"}, testLogger())
		err := child.Start()
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := child.Watch(context.Background()); err != nil {
			t.Fatalf("Watch() error = %v", err)
		}

		n, err := NewNotifier("WINCH", child, "", testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		// The PID cell is zero, so no signal goes anywhere.
		n.Dispatch()
	})

	t.Run("PID file target works without a child", func(t *testing.T) {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGWINCH)
		defer signal.Stop(sigCh)

		pidPath := filepath.Join(t.TempDir(), "solo.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			t.Fatalf("Failed to write PID file: %v", err)
		}

		n, err := NewNotifier("winch", nil, pidPath, testLogger())
		if err != nil {
			t.Fatalf("NewNotifier() error = %v", err)
		}

		n.Dispatch()

		select {
		case <-sigCh:
		case <-time.After(2 * time.Second):
			t.Fatal("renewal signal was not delivered")
		}
	})
}
