package firewall

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

const filterTable = "filter"

// Usage is one live quota rule pair as reported by the kernel.
type Usage struct {
	Port             int
	Direction        Direction
	Family           Family
	CapBytes         int64
	AccumulatedBytes int64
}

// Remaining is the unspent budget; never negative.
func (u Usage) Remaining() int64 {
	if u.AccumulatedBytes >= u.CapBytes {
		return 0
	}
	return u.CapBytes - u.AccumulatedBytes
}

// Exhausted reports whether the counter has converted to a permanent drop.
func (u Usage) Exhausted() bool {
	return u.AccumulatedBytes >= u.CapBytes
}

// Engine installs, tears down and reads the per-port quota rule pairs.
//
// Each pair is an accept rule with "-m quota" followed by an unconditional
// drop for the same match. The kernel counts bytes against the accept rule
// until the cap is reached, after which only the drop matches. The cap
// embedded in a rule is immutable; the only reset is delete + reinstall,
// and deletion must name the exact historical cap value.
//
// Every mutation re-persists the full table with iptables-save so a packet
// filter restart does not revert it. A process-wide mutex serializes the
// mutate+save cycle; concurrent invocations of separate processes are the
// operator's problem, documented and not locked against.
type Engine struct {
	mu        sync.Mutex
	providers map[Family]Provider
	rulesPath map[Family]string
	logger    *logging.Logger

	// replaced in tests
	saveRules func(family Family) error
}

// NewEngine builds an engine over the real iptables backend. IPv6 is
// included only when the host has a global-scope IPv6 address.
func NewEngine(rulesV4, rulesV6 string) (*Engine, error) {
	e := &Engine{
		providers: make(map[Family]Provider),
		rulesPath: map[Family]string{FamilyV4: rulesV4, FamilyV6: rulesV6},
		logger:    logging.GetLogger(),
	}
	e.saveRules = e.persistFamily

	v4, err := NewIPTablesProvider(FamilyV4)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize iptables: %w", logging.ErrFirewall, err)
	}
	e.providers[FamilyV4] = v4

	if HasGlobalIPv6() {
		v6, err := NewIPTablesProvider(FamilyV6)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ip6tables: %w", logging.ErrFirewall, err)
		}
		e.providers[FamilyV6] = v6
	}

	return e, nil
}

// NewEngineWithProviders wires explicit providers; used by tests.
func NewEngineWithProviders(providers map[Family]Provider) *Engine {
	e := &Engine{
		providers: providers,
		rulesPath: map[Family]string{},
		logger:    logging.GetLogger(),
	}
	e.saveRules = func(Family) error { return nil }
	return e
}

// Families returns the address families the engine operates on.
func (e *Engine) Families() []Family {
	fams := make([]Family, 0, len(e.providers))
	if _, ok := e.providers[FamilyV4]; ok {
		fams = append(fams, FamilyV4)
	}
	if _, ok := e.providers[FamilyV6]; ok {
		fams = append(fams, FamilyV6)
	}
	return fams
}

func chainFor(dir Direction) string {
	if dir == DirectionOut {
		return "OUTPUT"
	}
	return "INPUT"
}

func portFlag(dir Direction) string {
	if dir == DirectionOut {
		return "--sport"
	}
	return "--dport"
}

func acceptSpec(port int, dir Direction, capBytes int64) []string {
	return []string{
		"-p", "tcp", portFlag(dir), strconv.Itoa(port),
		"-m", "quota", "--quota", strconv.FormatInt(capBytes, 10),
		"-j", "ACCEPT",
	}
}

func dropSpec(port int, dir Direction) []string {
	return []string{
		"-p", "tcp", portFlag(dir), strconv.Itoa(port),
		"-j", "DROP",
	}
}

// Install appends the accept+drop pair for both directions in every
// configured family, then persists. The drop is inserted first and the
// accept pushed in above it, so the pair ends up ordered accept-then-drop
// ahead of any earlier unrelated accept for the same port.
func (e *Engine) Install(port int, capBytes int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, family := range e.Families() {
		provider := e.providers[family]
		for _, dir := range []Direction{DirectionIn, DirectionOut} {
			chain := chainFor(dir)
			if err := provider.Insert(filterTable, chain, 1, dropSpec(port, dir)...); err != nil {
				return fmt.Errorf("%w: failed to install drop rule (%s/%s port %d): %w", logging.ErrFirewall, family, dir, port, err)
			}
			if err := provider.Insert(filterTable, chain, 1, acceptSpec(port, dir, capBytes)...); err != nil {
				return fmt.Errorf("%w: failed to install quota rule (%s/%s port %d): %w", logging.ErrFirewall, family, dir, port, err)
			}
		}
		if err := e.saveRules(family); err != nil {
			return err
		}
		e.logger.Info("Installed quota rules for port %d (%s, cap %d bytes)", port, family, capBytes)
	}

	return nil
}

// Remove deletes the rule pair for every candidate cap value in both
// directions and families, then persists. Deleting a rule that does not
// exist is a no-op, which makes removal idempotent and lets callers pass
// the full historical cap set without knowing which value is live.
func (e *Engine) Remove(port int, knownCaps []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, family := range e.Families() {
		provider := e.providers[family]
		for _, dir := range []Direction{DirectionIn, DirectionOut} {
			chain := chainFor(dir)
			for _, capBytes := range knownCaps {
				if err := provider.DeleteIfExists(filterTable, chain, acceptSpec(port, dir, capBytes)...); err != nil {
					return fmt.Errorf("%w: failed to delete quota rule (%s/%s port %d cap %d): %w", logging.ErrFirewall, family, dir, port, capBytes, err)
				}
			}
			if err := provider.DeleteIfExists(filterTable, chain, dropSpec(port, dir)...); err != nil {
				return fmt.Errorf("%w: failed to delete drop rule (%s/%s port %d): %w", logging.ErrFirewall, family, dir, port, err)
			}
		}
		if err := e.saveRules(family); err != nil {
			return err
		}
		e.logger.Info("Removed quota rules for port %d (%s)", port, family)
	}

	return nil
}

// Reset replaces the rule pairs with fresh ones carrying newCap. This is
// the only way to zero an exhausted counter.
func (e *Engine) Reset(port int, newCap int64, knownCaps []int64) error {
	if err := e.Remove(port, knownCaps); err != nil {
		return err
	}
	return e.Install(port, newCap)
}

var (
	dptRe   = regexp.MustCompile(`dpt:(\d+)`)
	sptRe   = regexp.MustCompile(`spt:(\d+)`)
	quotaRe = regexp.MustCompile(`quota: (\d+) bytes`)
)

// ReadUsage parses the live rule table for port. Returns an empty slice
// when no quota rules exist for it.
func (e *Engine) ReadUsage(port int) ([]Usage, error) {
	var usages []Usage
	for _, family := range e.Families() {
		for _, dir := range []Direction{DirectionIn, DirectionOut} {
			rows, err := e.usageRows(family, dir)
			if err != nil {
				return nil, err
			}
			for _, u := range rows {
				if u.Port == port {
					usages = append(usages, u)
				}
			}
		}
	}
	return usages, nil
}

// InstalledPorts enumerates every port in [lo, hi] that currently has a
// quota rule installed, in ascending order. It reads the live table, not
// the account store, so orphaned rules are included.
func (e *Engine) InstalledPorts(lo, hi int) ([]int, error) {
	seen := make(map[int]bool)
	for _, family := range e.Families() {
		rows, err := e.usageRows(family, DirectionIn)
		if err != nil {
			return nil, err
		}
		for _, u := range rows {
			if u.Port >= lo && u.Port <= hi {
				seen[u.Port] = true
			}
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// usageRows extracts the quota accept rules from one chain.
func (e *Engine) usageRows(family Family, dir Direction) ([]Usage, error) {
	provider := e.providers[family]
	stats, err := provider.StructuredStats(filterTable, chainFor(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s %s rules: %w", logging.ErrFirewall, family, chainFor(dir), err)
	}

	portRe := dptRe
	if dir == DirectionOut {
		portRe = sptRe
	}

	var rows []Usage
	for _, st := range stats {
		if st.Target != "ACCEPT" {
			continue
		}
		q := quotaRe.FindStringSubmatch(st.Options)
		p := portRe.FindStringSubmatch(st.Options)
		if q == nil || p == nil {
			continue
		}
		capBytes, err := strconv.ParseInt(q[1], 10, 64)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(p[1])
		if err != nil {
			continue
		}
		rows = append(rows, Usage{
			Port:             port,
			Direction:        dir,
			Family:           family,
			CapBytes:         capBytes,
			AccumulatedBytes: int64(st.Bytes),
		})
	}
	return rows, nil
}

// persistFamily regenerates the flat rules file from the live table.
func (e *Engine) persistFamily(family Family) error {
	path := e.rulesPath[family]
	if path == "" {
		return nil
	}

	out, err := runCommand(saveBinary(family))
	if err != nil {
		return fmt.Errorf("%w: failed to dump %s rules: %w", logging.ErrFirewall, family, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to persist %s rules: %w", family, err)
	}
	return nil
}
