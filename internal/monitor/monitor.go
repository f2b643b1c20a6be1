package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/firewall"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/provision"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/systemd"
	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
)

// Source is the read-only lifecycle surface the reporter consumes.
type Source interface {
	List() ([]*provision.PortStatus, error)
	Status(port int) (*provision.PortStatus, error)
}

// Reporter renders human status views over the account store, the live
// quota rules and the service states. Strictly read-side.
type Reporter struct {
	source Source
	out    io.Writer
	logger *logging.Logger
}

func NewReporter(source Source) *Reporter {
	return &Reporter{
		source: source,
		out:    os.Stdout,
		logger: logging.GetLogger(),
	}
}

// primaryUsage picks the row shown in single-line views: inbound v4 when
// present, else the first row.
func primaryUsage(rows []firewall.Usage) (firewall.Usage, bool) {
	if len(rows) == 0 {
		return firewall.Usage{}, false
	}
	for _, u := range rows {
		if u.Direction == firewall.DirectionIn && u.Family == firewall.FamilyV4 {
			return u, true
		}
	}
	return rows[0], true
}

func meterState(rows []firewall.Usage) string {
	u, ok := primaryUsage(rows)
	switch {
	case !ok:
		return "no rules"
	case u.Exhausted():
		return "exhausted"
	default:
		return "metering"
	}
}

// Summary prints one aggregate line set across all users.
func (r *Reporter) Summary() error {
	statuses, err := r.source.List()
	if err != nil {
		return err
	}

	var active, exhausted int
	var usedTotal, capTotal int64
	for _, st := range statuses {
		if st.Service == systemd.StatusActive {
			active++
		}
		if u, ok := primaryUsage(st.Usage); ok {
			usedTotal += u.AccumulatedBytes
			capTotal += u.CapBytes
			if u.Exhausted() {
				exhausted++
			}
		}
	}

	fmt.Fprintf(r.out, "Users:     %d\n", len(statuses))
	fmt.Fprintf(r.out, "Active:    %d\n", active)
	fmt.Fprintf(r.out, "Exhausted: %d\n", exhausted)
	fmt.Fprintf(r.out, "Traffic:   %s of %s\n", humanize.IBytes(uint64(usedTotal)), humanize.IBytes(uint64(capTotal)))
	return nil
}

// ListUsers prints one row per account.
func (r *Reporter) ListUsers() error {
	statuses, err := r.source.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(r.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tMETHOD\tSERVICE\tUSED\tCAP\tSTATE")
	for _, st := range statuses {
		method := "-"
		if st.Account != nil {
			method = st.Account.Method
		}
		used, limit := "-", "-"
		if u, ok := primaryUsage(st.Usage); ok {
			used = humanize.IBytes(uint64(u.AccumulatedBytes))
			limit = humanize.IBytes(uint64(u.CapBytes))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", st.Port, method, st.Service, used, limit, meterState(st.Usage))
	}
	return w.Flush()
}

// UserDetail prints the full per-direction, per-family view for one port.
func (r *Reporter) UserDetail(port int) error {
	st, err := r.source.Status(port)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Port:      %d\n", st.Port)
	if st.Account != nil {
		fmt.Fprintf(r.out, "Method:    %s\n", st.Account.Method)
		fmt.Fprintf(r.out, "Plugin:    %s\n", st.Account.Plugin)
		fmt.Fprintf(r.out, "TLS:       %v\n", st.Account.HasTLS())
		fmt.Fprintf(r.out, "Quota:     %s\n", humanize.IBytes(uint64(st.Account.QuotaBytes)))
	} else {
		fmt.Fprintf(r.out, "Account:   none (orphaned rules)\n")
	}
	fmt.Fprintf(r.out, "Service:   %s\n", st.Service)
	fmt.Fprintf(r.out, "Perimeter: open=%v\n", st.PerimeterOpen)

	if len(st.Usage) == 0 {
		fmt.Fprintln(r.out, "No quota rules installed")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DIR\tFAMILY\tUSED\tCAP\tREMAINING\tSTATE")
	for _, u := range st.Usage {
		state := "metering"
		if u.Exhausted() {
			state = "exhausted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.Direction, u.Family,
			humanize.IBytes(uint64(u.AccumulatedBytes)),
			humanize.IBytes(uint64(u.CapBytes)),
			humanize.IBytes(uint64(u.Remaining())),
			state)
	}
	return w.Flush()
}

// Watch refreshes the user list every interval until the context is
// cancelled (external interrupt).
func (r *Reporter) Watch(ctx context.Context, interval time.Duration) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " refreshing..."

	for {
		s.Start()
		err := r.ListUsers()
		s.Stop()
		if err != nil {
			r.logger.Warn("Refresh failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		fmt.Fprintln(r.out)
	}
}
