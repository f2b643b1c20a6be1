package firewall

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

// Perimeter manages the host firewall exception making a proxy port
// reachable at all. This is distinct from the quota rules, which gate the
// port further once it is open. The exception carries a human-readable
// note (the quota size) for audit.
type Perimeter struct {
	backend string // "ufw", "firewalld" or "none"
	logger  *logging.Logger

	// replaced in tests
	run  func(name string, arg ...string) ([]byte, error)
	look func(file string) (string, error)
}

func NewPerimeter() *Perimeter {
	p := &Perimeter{
		logger: logging.GetLogger(),
		run:    runCommand,
		look:   exec.LookPath,
	}
	p.backend = p.detect()
	return p
}

func (p *Perimeter) detect() string {
	if _, err := p.look("ufw"); err == nil {
		return "ufw"
	}
	if _, err := p.look("firewall-cmd"); err == nil {
		return "firewalld"
	}
	return "none"
}

// Allow opens port with the given annotation. A host without a perimeter
// firewall is logged and treated as success.
func (p *Perimeter) Allow(port int, note string) error {
	switch p.backend {
	case "ufw":
		_, err := p.run("ufw", "allow", fmt.Sprintf("%d/tcp", port), "comment", note)
		if err != nil {
			return fmt.Errorf("failed to add ufw rule for port %d: %w", port, err)
		}
	case "firewalld":
		if _, err := p.run("firewall-cmd", "--permanent", fmt.Sprintf("--add-port=%d/tcp", port)); err != nil {
			return fmt.Errorf("failed to add firewalld rule for port %d: %w", port, err)
		}
		if _, err := p.run("firewall-cmd", "--reload"); err != nil {
			return fmt.Errorf("failed to reload firewalld: %w", err)
		}
	default:
		p.logger.Warn("No perimeter firewall detected, skipping port exception for %d", port)
	}
	return nil
}

// Deny closes port. Missing rules are tolerated so removal stays
// idempotent.
func (p *Perimeter) Deny(port int) error {
	switch p.backend {
	case "ufw":
		if _, err := p.run("ufw", "delete", "allow", fmt.Sprintf("%d/tcp", port)); err != nil {
			p.logger.Warn("Could not delete ufw rule for port %d: %v", port, err)
		}
	case "firewalld":
		if _, err := p.run("firewall-cmd", "--permanent", fmt.Sprintf("--remove-port=%d/tcp", port)); err != nil {
			p.logger.Warn("Could not remove firewalld rule for port %d: %v", port, err)
		}
		if _, err := p.run("firewall-cmd", "--reload"); err != nil {
			p.logger.Warn("Could not reload firewalld: %v", err)
		}
	default:
		p.logger.Warn("No perimeter firewall detected, skipping port exception removal for %d", port)
	}
	return nil
}

// IsAllowed reports whether an exception exists for port. Probe failures
// read as "not allowed" rather than propagating.
func (p *Perimeter) IsAllowed(port int) bool {
	switch p.backend {
	case "ufw":
		out, err := p.run("ufw", "status")
		if err != nil {
			return false
		}
		return strings.Contains(string(out), fmt.Sprintf("%d/tcp", port))
	case "firewalld":
		out, err := p.run("firewall-cmd", fmt.Sprintf("--query-port=%d/tcp", port))
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(out)) == "yes"
	}
	return false
}
