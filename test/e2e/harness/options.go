package harness

import (
	"time"
)

// Option configures the test harness.
type Option func(*Harness) error

// WithTTL sets the lifetime of the SVIDs the fake agent issues. Short
// lifetimes drive fast rotation.
//
// Example:
//
//	h := harness.New(t, harness.WithTTL(600*time.Millisecond))
func WithTTL(d time.Duration) Option {
	return func(h *Harness) error {
		h.ttl = d
		return nil
	}
}

// WithChild configures a managed child process started alongside the
// daemon. args is split with shell-style word rules.
//
// Example:
//
//	h := harness.New(t, harness.WithChild("sleep", "60"))
func WithChild(cmd, args string) Option {
	return func(h *Harness) error {
		h.Config.Cmd = cmd
		h.Config.CmdArgs = args
		return nil
	}
}

// WithRenewSignal sets the signal dispatched after each credential write.
func WithRenewSignal(sig string) Option {
	return func(h *Harness) error {
		h.Config.RenewSignal = sig
		return nil
	}
}

// WithPIDFile points rotation signaling at the process identified by the
// PID file.
func WithPIDFile(path string) Option {
	return func(h *Harness) error {
		h.Config.PIDFileName = path
		return nil
	}
}

// WithHealthServer enables the health listener on a free loopback port.
func WithHealthServer() Option {
	return func(h *Harness) error {
		h.Config.HealthChecks.ListenerEnabled = true
		h.Config.HealthChecks.BindPort = freePort(h.t)
		return nil
	}
}

// WithOneShot disables daemon mode: write the credential once and exit.
func WithOneShot() Option {
	return func(h *Harness) error {
		oneShot := false
		h.Config.DaemonMode = &oneShot
		return nil
	}
}

// WithJWTBundles enables JWKS writes to the named file in the cert dir.
func WithJWTBundles(name string) Option {
	return func(h *Harness) error {
		h.Config.JWTBundleFileName = name
		return nil
	}
}
