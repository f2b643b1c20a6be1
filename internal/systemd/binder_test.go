package systemd

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

// fakeRunner scripts systemctl responses per subcommand.
type fakeRunner struct {
	calls     [][]string
	responses map[string]struct {
		out string
		err error
	}
}

func (f *fakeRunner) run(name string, arg ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, arg...))
	key := arg[0]
	if r, ok := f.responses[key]; ok {
		return []byte(r.out), r.err
	}
	return nil, nil
}

func newFakeBinder(responses map[string]struct {
	out string
	err error
}) (*Binder, *fakeRunner) {
	fr := &fakeRunner{responses: responses}
	b := NewBinder("ss-server")
	b.run = fr.run
	return b, fr
}

func TestUnitName(t *testing.T) {
	b := NewBinder("ss-server")
	if got := b.UnitName(8388); got != "ss-server@8388.service" {
		t.Errorf("Expected ss-server@8388.service, got %s", got)
	}
}

func TestStartVerifiesActive(t *testing.T) {
	b, fr := newFakeBinder(map[string]struct {
		out string
		err error
	}{
		"is-active": {out: "active\n"},
	})

	if err := b.Start(8388); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(fr.calls) < 2 {
		t.Fatalf("Expected enable + is-active calls, got %v", fr.calls)
	}
	if fr.calls[0][1] != "enable" || fr.calls[0][3] != "ss-server@8388.service" {
		t.Errorf("Unexpected enable call: %v", fr.calls[0])
	}
}

func TestStartFailedWhenInactive(t *testing.T) {
	b, _ := newFakeBinder(map[string]struct {
		out string
		err error
	}{
		"is-active":  {out: "inactive\n", err: fmt.Errorf("exit status 3")},
		"is-enabled": {out: "enabled\n"},
	})

	err := b.Start(8388)
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Expected ErrStartFailed, got %v", err)
	}
	if !errors.Is(err, logging.ErrService) {
		t.Errorf("Start failures should classify as service errors: %v", err)
	}
	if !strings.Contains(err.Error(), "8388") {
		t.Errorf("Error should surface the port: %v", err)
	}
}

func TestStartSurfacesEnableFailure(t *testing.T) {
	b, _ := newFakeBinder(map[string]struct {
		out string
		err error
	}{
		"enable": {out: "Failed to enable unit", err: fmt.Errorf("exit status 1")},
	})

	err := b.Start(8388)
	if !errors.Is(err, logging.ErrService) {
		t.Fatalf("Expected a service error, got %v", err)
	}
}

func TestStopToleratesMissingUnit(t *testing.T) {
	b, _ := newFakeBinder(map[string]struct {
		out string
		err error
	}{
		"disable": {out: "Failed to disable unit: Unit file ss-server@8388.service does not exist.", err: fmt.Errorf("exit status 1")},
	})

	if err := b.Stop(8388); err != nil {
		t.Errorf("Stop on missing unit should succeed, got %v", err)
	}
}

func TestStatusStates(t *testing.T) {
	tests := []struct {
		name      string
		isActive  string
		activeErr error
		isEnabled string
		enabErr   error
		want      Status
	}{
		{"active", "active\n", nil, "enabled\n", nil, StatusActive},
		{"failed", "failed\n", fmt.Errorf("exit status 3"), "enabled\n", nil, StatusFailed},
		{"inactive", "inactive\n", fmt.Errorf("exit status 3"), "disabled\n", fmt.Errorf("exit status 1"), StatusInactive},
		{"absent", "inactive\n", fmt.Errorf("exit status 3"), "Failed to get unit file state for ss-server@8388.service: No such file or directory", fmt.Errorf("exit status 1"), StatusAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newFakeBinder(map[string]struct {
				out string
				err error
			}{
				"is-active":  {out: tt.isActive, err: tt.activeErr},
				"is-enabled": {out: tt.isEnabled, err: tt.enabErr},
			})

			if got := b.Status(8388); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}
