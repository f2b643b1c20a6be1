package systemd

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

// ErrStartFailed is returned when an instance does not reach the active
// state after being started.
var ErrStartFailed = fmt.Errorf("%w: service failed to start", logging.ErrService)

// Status of a per-port service instance.
type Status string

const (
	StatusActive   Status = "active"
	StatusFailed   Status = "failed"
	StatusInactive Status = "inactive"
	StatusAbsent   Status = "absent"
)

// Binder manages per-port instances of a systemd template unit. The port
// substitutes into the instance name (ss-server@8388.service) and, through
// %i in the template, into the path of that port's config record.
type Binder struct {
	template string
	logger   *logging.Logger

	// replaced in tests
	run func(name string, arg ...string) ([]byte, error)
}

func NewBinder(template string) *Binder {
	if template == "" {
		template = "ss-server"
	}
	return &Binder{
		template: template,
		logger:   logging.GetLogger(),
		run: func(name string, arg ...string) ([]byte, error) {
			return exec.Command(name, arg...).CombinedOutput()
		},
	}
}

// UnitName returns the instance unit for a port.
func (b *Binder) UnitName(port int) string {
	return fmt.Sprintf("%s@%d.service", b.template, port)
}

// Start enables and starts the instance, then verifies it actually reached
// the active state. A unit that starts but immediately exits is a failure,
// surfaced with the port for diagnosis.
func (b *Binder) Start(port int) error {
	unit := b.UnitName(port)
	b.logger.Info("Starting service instance %s", unit)

	if out, err := b.run("systemctl", "enable", "--now", unit); err != nil {
		return fmt.Errorf("%w: failed to start %s: %s: %w", logging.ErrService, unit, strings.TrimSpace(string(out)), err)
	}

	if st := b.Status(port); st != StatusActive {
		return fmt.Errorf("%w: port %d (state %s)", ErrStartFailed, port, st)
	}

	return nil
}

// Stop disables and stops the instance. Best-effort: a unit that does not
// exist is logged and treated as success so removal stays idempotent.
func (b *Binder) Stop(port int) error {
	unit := b.UnitName(port)
	b.logger.Info("Stopping service instance %s", unit)

	if out, err := b.run("systemctl", "disable", "--now", unit); err != nil {
		b.logger.Warn("Could not stop %s: %s", unit, strings.TrimSpace(string(out)))
	}
	return nil
}

// Status queries the instance state. Probe failures substitute a sentinel
// status rather than propagating.
func (b *Binder) Status(port int) Status {
	unit := b.UnitName(port)

	out, err := b.run("systemctl", "is-active", unit)
	state := strings.TrimSpace(string(out))
	if err == nil && state == "active" {
		return StatusActive
	}
	if state == "failed" {
		return StatusFailed
	}

	// Distinguish a stopped instance from one that was never created
	if out, err := b.run("systemctl", "is-enabled", unit); err != nil {
		if strings.Contains(string(out), "No such file") || strings.TrimSpace(string(out)) == "" {
			return StatusAbsent
		}
	}

	return StatusInactive
}
