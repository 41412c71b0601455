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
	"log/slog"
	"syscall"

	"github.com/svidwatch/svidwatch/internal/log"
)

// Notifier delivers the configured renewal signal after credentials are
// rewritten on disk.
//
// Two targets are supported and both are attempted on every dispatch: the
// supervised child process, when one is running, and the process named by
// an external PID file. Delivery failures are logged and counted but never
// stop the daemon: a missed renewal signal only delays the consumer until
// its next reload.
type Notifier struct {
	signal     syscall.Signal
	signalName string
	child      *Child
	pidFile    string
	logger     *slog.Logger
}

// NewNotifier creates a notifier for the given signal name. An empty name
// disables dispatch entirely. The child may be nil when no command is
// supervised, and pidFile may be empty when no external process is named.
func NewNotifier(signalName string, child *Child, pidFile string, logger *slog.Logger) (*Notifier, error) {
	n := &Notifier{
		child:   child,
		pidFile: pidFile,
		logger:  logger,
	}

	if signalName == "" {
		return n, nil
	}

	sig, err := ParseSignal(signalName)
	if err != nil {
		return nil, err
	}
	n.signal = sig
	n.signalName = signalName

	return n, nil
}

// Enabled reports whether a renewal signal is configured.
func (n *Notifier) Enabled() bool {
	return n.signal != 0
}

// Dispatch sends the renewal signal to every configured target. It is
// called once per successful credential update. Failures on one target
// don't prevent delivery to the other.
func (n *Notifier) Dispatch() {
	if !n.Enabled() {
		return
	}

	if n.child != nil {
		if pid := n.child.PID(); pid != 0 {
			n.signalPID(pid, targetChild)
		}
	}

	if n.pidFile != "" {
		n.dispatchPIDFile()
	}
}

// dispatchPIDFile re-reads the PID file and signals the process it names.
func (n *Notifier) dispatchPIDFile() {
	pid, err := ReadPIDFile(n.pidFile)
	if err != nil {
		n.logger.Warn("failed to read PID file for renewal signal",
			log.String(log.PathKey, n.pidFile),
			log.Error(err),
		)
		recordSignalFailure(targetPIDFile)
		return
	}

	n.signalPID(pid, targetPIDFile)
}

// signalPID delivers the renewal signal to a single PID.
func (n *Notifier) signalPID(pid int, target string) {
	if err := SendSignal(pid, n.signal); err != nil {
		n.logger.Warn("failed to send renewal signal",
			log.String(log.SignalKey, n.signalName),
			log.Int(log.PIDKey, pid),
			log.String("target", target),
			log.Error(err),
		)
		recordSignalFailure(target)
		return
	}

	n.logger.Info("renewal signal sent",
		log.String(log.SignalKey, n.signalName),
		log.Int(log.PIDKey, pid),
		log.String("target", target),
	)
	recordSignalDispatched(target)
}
