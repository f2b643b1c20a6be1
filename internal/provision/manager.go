package provision

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/account"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/config"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/firewall"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/ports"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/systemd"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/tlscert"
	"github.com/go-playground/validator/v10"
)

// QuotaEngine is the firewall surface the lifecycle needs.
type QuotaEngine interface {
	Install(port int, capBytes int64) error
	Remove(port int, knownCaps []int64) error
	Reset(port int, newCap int64, knownCaps []int64) error
	ReadUsage(port int) ([]firewall.Usage, error)
	InstalledPorts(lo, hi int) ([]int, error)
}

// ServiceBinder is the process supervisor surface.
type ServiceBinder interface {
	Start(port int) error
	Stop(port int) error
	Status(port int) systemd.Status
}

// PortAllocator hands out free ports.
type PortAllocator interface {
	Allocate() (int, error)
}

// PerimeterFirewall manages the outer allow rule per port.
type PerimeterFirewall interface {
	Allow(port int, note string) error
	Deny(port int) error
	IsAllowed(port int) bool
}

// Manager orchestrates accounts, quota rules, perimeter exceptions and
// service instances as one unit keyed by port. The underlying primitives
// offer no transaction: Create is a linear sequence with no rollback, and
// a failure partway leaves a partially provisioned port that Remove (safe
// on half-created state) cleans up.
type Manager struct {
	cfg       *config.Config
	store     *account.Store
	allocator PortAllocator
	engine    QuotaEngine
	binder    ServiceBinder
	perimeter PerimeterFirewall
	validate  *validator.Validate
	logger    *logging.Logger

	// external collaborators, replaced in tests
	resolveDomain func(domain string) ([]string, error)
	probeTLS      func(domain string, timeout time.Duration) error
	lookupCert    func(domain string) (tlscert.Pair, bool)
	lookPath      func(file string) (string, error)
}

// NewManager wires explicit collaborators; used directly by tests.
func NewManager(cfg *config.Config, store *account.Store, allocator PortAllocator, engine QuotaEngine, binder ServiceBinder, perimeter PerimeterFirewall) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         store,
		allocator:     allocator,
		engine:        engine,
		binder:        binder,
		perimeter:     perimeter,
		validate:      validator.New(),
		logger:        logging.GetLogger(),
		resolveDomain: tlscert.ResolveDomain,
		probeTLS:      tlscert.ProbeTLS,
		lookupCert:    tlscert.Lookup,
		lookPath:      exec.LookPath,
	}
}

// New builds a manager over the real host backends.
func New(cfg *config.Config) (*Manager, error) {
	engine, err := firewall.NewEngine(cfg.RulesV4Path, cfg.RulesV6Path)
	if err != nil {
		return nil, err
	}

	return NewManager(
		cfg,
		account.NewStore(cfg.ConfigDir),
		ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		engine,
		systemd.NewBinder(cfg.UnitTemplate),
		firewall.NewPerimeter(),
	), nil
}

// CreateRequest carries validated user input for provisioning.
type CreateRequest struct {
	Domain  string `validate:"required,fqdn"`
	Email   string `validate:"required,email"`
	QuotaGB int    `validate:"required,gte=1"`
}

// CreateResult is what the operator needs after provisioning.
type CreateResult struct {
	Account    *account.Account
	URI        string
	ConfigPath string
}

// requireTools fails before any mutation when a collaborator binary is
// absent.
func (m *Manager) requireTools(names ...string) error {
	for _, name := range names {
		if _, err := m.lookPath(name); err != nil {
			return fmt.Errorf("%w: %s", ErrExternalToolMissing, name)
		}
	}
	return nil
}

// Create provisions a new account end to end: DNS validation, port
// allocation, account record, quota rules, perimeter exception, service
// instance. Steps after the record is written are not rolled back on
// failure; the operator runs Remove to clean a partial port up.
func (m *Manager) Create(req CreateRequest) (*CreateResult, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := m.requireTools("iptables", "systemctl"); err != nil {
		return nil, err
	}

	m.logger.Info("Validating domain %s", req.Domain)
	if _, err := m.resolveDomain(req.Domain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := m.probeTLS(req.Domain, 5*time.Second); err != nil {
		m.logger.Warn("TLS probe failed (non-fatal): %v", err)
	}

	port, err := m.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	quota := account.QuotaFromGB(req.QuotaGB)
	acc := &account.Account{
		Server:     m.cfg.HostAddress(),
		ServerPort: port,
		Password:   account.NewPassword(),
		Method:     m.cfg.CipherMethod,
		Plugin:     "v2ray-plugin",
		Mode:       "tcp_and_udp",
		QuotaBytes: quota,
	}
	acc.RecordQuota(quota)

	clientOpts := "host=" + req.Domain
	if pair, ok := m.lookupCert(req.Domain); ok {
		acc.PluginOpts = fmt.Sprintf("server;tls;host=%s;cert=%s;key=%s", req.Domain, pair.CertPath, pair.KeyPath)
		clientOpts = "tls;host=" + req.Domain
	} else {
		acc.PluginOpts = "server;host=" + req.Domain
		m.logger.Warn("No certificate found for %s, falling back to un-certified transport", req.Domain)
	}

	m.logger.Info("Writing account record for port %d", port)
	if err := m.store.Put(acc); err != nil {
		return nil, err
	}

	m.logger.Info("Installing quota rules for port %d (%d GiB)", port, req.QuotaGB)
	if err := m.engine.Install(port, quota); err != nil {
		return nil, m.partialErr(port, err)
	}

	m.logger.Info("Opening perimeter firewall for port %d", port)
	if err := m.perimeter.Allow(port, fmt.Sprintf("ssmanager quota %dGiB", req.QuotaGB)); err != nil {
		return nil, m.partialErr(port, err)
	}

	if err := m.binder.Start(port); err != nil {
		return nil, m.partialErr(port, err)
	}

	uri := ConnectionURI{
		Method:     acc.Method,
		Password:   acc.Password,
		Host:       req.Domain,
		Port:       port,
		Plugin:     acc.Plugin,
		PluginOpts: clientOpts,
		Tag:        req.Email,
	}

	return &CreateResult{
		Account:    acc,
		URI:        uri.String(),
		ConfigPath: m.store.Path(port),
	}, nil
}

// partialErr marks a failure that happened after the account record was
// written, keeping the cause inspectable for errors.Is classification.
func (m *Manager) partialErr(port int, err error) error {
	return logging.WrapError(err, fmt.Sprintf("port %d left partially provisioned, run remove to clean up", port))
}

// knownCaps assembles the candidate-cap set for a port: the account's
// recorded history when a record exists, always including the configured
// default in case older rules predate history tracking.
func (m *Manager) knownCaps(port int) []int64 {
	defaultCap := account.QuotaFromGB(m.cfg.DefaultQuota)

	acc, err := m.store.Get(port)
	if err != nil {
		if !errors.Is(err, account.ErrNotFound) {
			m.logger.Warn("Could not read account record for port %d: %v", port, err)
		}
		return []int64{defaultCap}
	}
	return acc.KnownCaps(defaultCap)
}

// Remove tears a port down in reverse creation order with best-effort
// semantics. Every sub-step tolerates "nothing to remove", so calling it
// on a never-provisioned or half-provisioned port succeeds.
func (m *Manager) Remove(port int) error {
	if err := m.requireTools("iptables", "systemctl"); err != nil {
		return err
	}

	caps := m.knownCaps(port)

	m.logger.Info("Stopping service instance for port %d", port)
	if err := m.binder.Stop(port); err != nil {
		m.logger.Warn("Could not stop service for port %d: %v", port, err)
	}

	m.logger.Info("Removing quota rules for port %d", port)
	if err := m.engine.Remove(port, caps); err != nil {
		return err
	}

	m.logger.Info("Closing perimeter firewall for port %d", port)
	if err := m.perimeter.Deny(port); err != nil {
		m.logger.Warn("Could not close perimeter for port %d: %v", port, err)
	}

	if err := m.store.Delete(port); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			m.logger.Warn("No account record for port %d", port)
		} else {
			return err
		}
	}

	m.logger.Info("Removed port %d", port)
	return nil
}

// Reset replaces the quota rules for port with fresh ones at quotaGB and
// records the new cap in the account history. Works on orphaned rules
// whose account record is gone.
func (m *Manager) Reset(port int, quotaGB int) error {
	if err := m.requireTools("iptables"); err != nil {
		return err
	}

	newCap := account.QuotaFromGB(quotaGB)

	if err := m.engine.Reset(port, newCap, m.knownCaps(port)); err != nil {
		return err
	}

	acc, err := m.store.Get(port)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			m.logger.Warn("Reset port %d without an account record", port)
			return nil
		}
		return err
	}

	acc.QuotaBytes = newCap
	acc.RecordQuota(newCap)
	return m.store.Put(acc)
}

// ResetAll resets every port with quota rules currently installed inside
// the allocation range. It enumerates the live rule table, not the
// account store, so orphaned rules are reset too. Per-port failures are
// collected and do not stop the sweep.
func (m *Manager) ResetAll(quotaGB int) error {
	if err := m.requireTools("iptables"); err != nil {
		return err
	}

	installed, err := m.engine.InstalledPorts(m.cfg.PortRangeStart, m.cfg.PortRangeEnd)
	if err != nil {
		return err
	}

	var errs []error
	for _, port := range installed {
		if err := m.Reset(port, quotaGB); err != nil {
			m.logger.Error("Failed to reset port %d: %v", port, err)
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		}
	}

	m.logger.Info("Reset %d port(s) to %d GiB", len(installed)-len(errs), quotaGB)
	return errors.Join(errs...)
}

// InstalledPorts lists every port inside the allocation range that has
// live quota rules, whether or not an account record exists.
func (m *Manager) InstalledPorts() ([]int, error) {
	return m.engine.InstalledPorts(m.cfg.PortRangeStart, m.cfg.PortRangeEnd)
}

// PortStatus is the read-side view of one port.
type PortStatus struct {
	Port          int
	Account       *account.Account // nil when only orphaned rules exist
	Usage         []firewall.Usage
	Service       systemd.Status
	PerimeterOpen bool
}

// Status assembles the full read-only view for one port. Never mutates.
func (m *Manager) Status(port int) (*PortStatus, error) {
	st := &PortStatus{Port: port}

	acc, err := m.store.Get(port)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}
	st.Account = acc

	usage, err := m.engine.ReadUsage(port)
	if err != nil {
		return nil, err
	}
	st.Usage = usage

	st.Service = m.binder.Status(port)
	st.PerimeterOpen = m.perimeter.IsAllowed(port)

	return st, nil
}

// List returns the status of every account in the store, sorted by port.
func (m *Manager) List() ([]*PortStatus, error) {
	accounts, err := m.store.List()
	if err != nil {
		return nil, err
	}

	statuses := make([]*PortStatus, 0, len(accounts))
	for _, acc := range accounts {
		st, err := m.Status(acc.ServerPort)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
