package cron

import (
	"fmt"
	"os"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

// Scheduler registers the monthly quota reset with the system cron. The
// job itself just re-invokes this binary; cron is the collaborator, not
// something reimplemented here.
type Scheduler struct {
	path   string
	logger *logging.Logger
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		path:   "/etc/cron.d/ssmanager-reset",
		logger: logging.GetLogger(),
	}
}

// InstallPeriodicReset writes a cron.d entry resetting every quota to
// quotaGB on the first of each month. Re-running overwrites the entry.
func (s *Scheduler) InstallPeriodicReset(quotaGB int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	entry := fmt.Sprintf("0 0 1 * * root %s reset-all --quota %d\n", exe, quotaGB)
	if err := os.WriteFile(s.path, []byte(entry), 0644); err != nil {
		return fmt.Errorf("failed to write cron entry: %w", err)
	}

	s.logger.Info("Installed periodic reset job at %s (quota %d GiB)", s.path, quotaGB)
	return nil
}

// RemovePeriodicReset deletes the cron.d entry. A missing entry is a
// no-op.
func (s *Scheduler) RemovePeriodicReset() error {
	if err := os.Remove(s.path); err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("No periodic reset job installed")
			return nil
		}
		return fmt.Errorf("failed to remove cron entry: %w", err)
	}

	s.logger.Info("Removed periodic reset job at %s", s.path)
	return nil
}
