package provision

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/account"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/config"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/firewall"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/systemd"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/tlscert"
)

// fakeEngine mimics the exact-cap matching of real quota rules: Remove
// only deletes a rule when the candidate set names its installed cap.
type fakeRuleState struct {
	capBytes    int64
	accumulated int64
}

type fakeEngine struct {
	rules map[int]*fakeRuleState
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{rules: map[int]*fakeRuleState{}}
}

func (f *fakeEngine) Install(port int, capBytes int64) error {
	f.rules[port] = &fakeRuleState{capBytes: capBytes}
	return nil
}

func (f *fakeEngine) Remove(port int, knownCaps []int64) error {
	r, ok := f.rules[port]
	if !ok {
		return nil // deleting nothing is a no-op
	}
	for _, c := range knownCaps {
		if c == r.capBytes {
			delete(f.rules, port)
			return nil
		}
	}
	// No candidate matched the live cap: the rule pair stays dangling
	return nil
}

func (f *fakeEngine) Reset(port int, newCap int64, knownCaps []int64) error {
	if err := f.Remove(port, knownCaps); err != nil {
		return err
	}
	return f.Install(port, newCap)
}

func (f *fakeEngine) ReadUsage(port int) ([]firewall.Usage, error) {
	r, ok := f.rules[port]
	if !ok {
		return nil, nil
	}
	return []firewall.Usage{
		{Port: port, Direction: firewall.DirectionIn, Family: firewall.FamilyV4, CapBytes: r.capBytes, AccumulatedBytes: r.accumulated},
		{Port: port, Direction: firewall.DirectionOut, Family: firewall.FamilyV4, CapBytes: r.capBytes, AccumulatedBytes: r.accumulated},
	}, nil
}

func (f *fakeEngine) InstalledPorts(lo, hi int) ([]int, error) {
	var out []int
	for p := lo; p <= hi; p++ {
		if _, ok := f.rules[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeBinder struct {
	running  map[int]bool
	startErr error
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{running: map[int]bool{}}
}

func (f *fakeBinder) Start(port int) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running[port] = true
	return nil
}

func (f *fakeBinder) Stop(port int) error {
	delete(f.running, port)
	return nil
}

func (f *fakeBinder) Status(port int) systemd.Status {
	if f.running[port] {
		return systemd.StatusActive
	}
	return systemd.StatusAbsent
}

type fakePerimeter struct {
	open map[int]string
}

func newFakePerimeter() *fakePerimeter {
	return &fakePerimeter{open: map[int]string{}}
}

func (f *fakePerimeter) Allow(port int, note string) error {
	f.open[port] = note
	return nil
}

func (f *fakePerimeter) Deny(port int) error {
	delete(f.open, port)
	return nil
}

func (f *fakePerimeter) IsAllowed(port int) bool {
	_, ok := f.open[port]
	return ok
}

type fixedAllocator struct{ port int }

func (f fixedAllocator) Allocate() (int, error) { return f.port, nil }

type harness struct {
	m         *Manager
	store     *account.Store
	engine    *fakeEngine
	binder    *fakeBinder
	perimeter *fakePerimeter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		PortRangeStart: 443,
		PortRangeEnd:   9000,
		ConfigDir:      filepath.Join(t.TempDir(), "ssmanager"),
		CipherMethod:   "chacha20-ietf-poly1305",
		DefaultQuota:   25,
		UnitTemplate:   "ss-server",
	}

	h := &harness{
		store:     account.NewStore(cfg.ConfigDir),
		engine:    newFakeEngine(),
		binder:    newFakeBinder(),
		perimeter: newFakePerimeter(),
	}
	h.m = NewManager(cfg, h.store, fixedAllocator{port: 8388}, h.engine, h.binder, h.perimeter)

	// External collaborators never touched in tests
	h.m.resolveDomain = func(string) ([]string, error) { return []string{"203.0.113.7"}, nil }
	h.m.probeTLS = func(string, time.Duration) error { return nil }
	h.m.lookupCert = func(string) (tlscert.Pair, bool) { return tlscert.Pair{}, false }
	h.m.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	return h
}

func validRequest() CreateRequest {
	return CreateRequest{Domain: "example.com", Email: "a@example.com", QuotaGB: 25}
}

func TestCreateProvisionsFullUnit(t *testing.T) {
	h := newHarness(t)
	h.m.lookupCert = func(string) (tlscert.Pair, bool) {
		return tlscert.Pair{CertPath: "/etc/letsencrypt/live/example.com/fullchain.pem", KeyPath: "/etc/letsencrypt/live/example.com/privkey.pem"}, true
	}

	res, err := h.m.Create(validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if res.Account.QuotaBytes != 25*account.GiB {
		t.Errorf("Expected quota %d, got %d", 25*account.GiB, res.Account.QuotaBytes)
	}
	if !strings.Contains(res.Account.PluginOpts, "tls") || !strings.Contains(res.Account.PluginOpts, "cert=") {
		t.Errorf("Expected TLS plugin opts, got %q", res.Account.PluginOpts)
	}
	if !strings.Contains(res.URI, ":8388") {
		t.Errorf("Connection URI should contain the allocated port: %s", res.URI)
	}

	if r, ok := h.engine.rules[8388]; !ok || r.capBytes != 25*account.GiB {
		t.Error("Expected metering rules installed for port 8388")
	}
	if !h.binder.running[8388] {
		t.Error("Expected service instance running")
	}
	if !h.perimeter.IsAllowed(8388) {
		t.Error("Expected perimeter exception for port 8388")
	}
	if _, err := h.store.Get(8388); err != nil {
		t.Errorf("Expected account record persisted: %v", err)
	}
}

func TestCreateWithoutCertificateFallsBack(t *testing.T) {
	h := newHarness(t)

	res, err := h.m.Create(validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if strings.Contains(res.Account.PluginOpts, "cert=") {
		t.Errorf("Expected un-certified plugin opts, got %q", res.Account.PluginOpts)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)

	tests := []CreateRequest{
		{Domain: "", Email: "a@example.com", QuotaGB: 25},
		{Domain: "not a domain", Email: "a@example.com", QuotaGB: 25},
		{Domain: "example.com", Email: "not-an-email", QuotaGB: 25},
		{Domain: "example.com", Email: "a@example.com", QuotaGB: 0},
	}

	for _, req := range tests {
		if _, err := h.m.Create(req); !errors.Is(err, ErrValidation) {
			t.Errorf("Create(%+v) expected ErrValidation, got %v", req, err)
		}
	}
}

func TestCreateUnresolvableDomain(t *testing.T) {
	h := newHarness(t)
	h.m.resolveDomain = func(string) ([]string, error) { return nil, fmt.Errorf("NXDOMAIN") }

	if _, err := h.m.Create(validRequest()); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for unresolvable domain, got %v", err)
	}
}

func TestCreateMissingToolFailsBeforeMutation(t *testing.T) {
	h := newHarness(t)
	h.m.lookPath = func(name string) (string, error) { return "", fmt.Errorf("not found") }

	_, err := h.m.Create(validRequest())
	if !errors.Is(err, ErrExternalToolMissing) {
		t.Fatalf("Expected ErrExternalToolMissing, got %v", err)
	}
	if _, err := h.store.Get(8388); !errors.Is(err, account.ErrNotFound) {
		t.Error("No record should be written when a tool is missing")
	}
	if len(h.engine.rules) != 0 {
		t.Error("No rules should be installed when a tool is missing")
	}
}

func TestCreateFailureLeavesPartialStateForRemove(t *testing.T) {
	h := newHarness(t)
	h.binder.startErr = fmt.Errorf("unit entered failed state")

	_, err := h.m.Create(validRequest())
	if err == nil {
		t.Fatal("Expected Create to fail when service start fails")
	}
	if !strings.Contains(err.Error(), "partially provisioned") {
		t.Errorf("Error should direct the operator to remove: %v", err)
	}
	if !errors.Is(err, h.binder.startErr) {
		t.Errorf("Wrapping should keep the cause inspectable: %v", err)
	}

	// No rollback: record and rules are still there
	if _, err := h.store.Get(8388); err != nil {
		t.Errorf("Partial state should keep the record: %v", err)
	}
	if _, ok := h.engine.rules[8388]; !ok {
		t.Error("Partial state should keep the rules")
	}

	// Remove converges the mixed state back to nothing
	if err := h.m.Remove(8388); err != nil {
		t.Fatalf("Remove on partial state failed: %v", err)
	}
	if len(h.engine.rules) != 0 || h.perimeter.IsAllowed(8388) {
		t.Error("Remove should clear all partial resources")
	}
}

func TestRemoveNonexistentIsIdempotent(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		if err := h.m.Remove(7005); err != nil {
			t.Fatalf("Remove #%d on nonexistent port failed: %v", i+1, err)
		}
	}
	if _, err := h.store.Get(7005); !errors.Is(err, account.ErrNotFound) {
		t.Error("Store should have no record before or after")
	}
}

func TestRemoveCleansHistoricalCaps(t *testing.T) {
	h := newHarness(t)

	if _, err := h.m.Create(validRequest()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Quota changed from 25 to 50: installed cap is now 50, history holds both
	if err := h.m.Reset(8388, 50); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if err := h.m.Remove(8388); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(h.engine.rules) != 0 {
		t.Error("Remove left dangling rules referencing an old cap")
	}
}

func TestResetRecordsNewQuota(t *testing.T) {
	h := newHarness(t)

	if _, err := h.m.Create(validRequest()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.engine.rules[8388].accumulated = 20 * account.GiB

	if err := h.m.Reset(8388, 50); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	usage, err := h.m.engine.ReadUsage(8388)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range usage {
		if u.CapBytes != 50*account.GiB || u.AccumulatedBytes != 0 {
			t.Errorf("Expected fresh rules at 50 GiB, got cap=%d acc=%d", u.CapBytes, u.AccumulatedBytes)
		}
	}

	acc, err := h.store.Get(8388)
	if err != nil {
		t.Fatal(err)
	}
	if acc.QuotaBytes != 50*account.GiB {
		t.Errorf("Expected record quota updated to 50 GiB, got %d", acc.QuotaBytes)
	}
	if len(acc.QuotaHistory) != 2 {
		t.Errorf("Expected history [25GiB, 50GiB], got %v", acc.QuotaHistory)
	}
}

func TestResetAllSweepsLiveRulesIncludingOrphans(t *testing.T) {
	h := newHarness(t)

	// Three live rule sets; only one has an account record
	for _, port := range []int{443, 444, 445} {
		if err := h.engine.Install(port, 25*account.GiB); err != nil {
			t.Fatal(err)
		}
	}
	acc := &account.Account{
		Server: "0.0.0.0", ServerPort: 444, Password: "pw",
		Method: "chacha20-ietf-poly1305", QuotaBytes: 25 * account.GiB,
	}
	if err := h.store.Put(acc); err != nil {
		t.Fatal(err)
	}

	if err := h.m.ResetAll(50); err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}

	for _, port := range []int{443, 444, 445} {
		r, ok := h.engine.rules[port]
		if !ok {
			t.Fatalf("Port %d lost its rules", port)
		}
		if r.capBytes != 50*account.GiB {
			t.Errorf("Port %d expected cap 50 GiB, got %d", port, r.capBytes)
		}
		if r.accumulated != 0 {
			t.Errorf("Port %d expected zero accumulation, got %d", port, r.accumulated)
		}
	}
}

func TestStatusReportsOrphanedRules(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.Install(7777, 25*account.GiB); err != nil {
		t.Fatal(err)
	}

	st, err := h.m.Status(7777)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Account != nil {
		t.Error("Expected no account for orphaned rules")
	}
	if len(st.Usage) == 0 {
		t.Error("Expected live usage rows for orphaned rules")
	}
	if st.Service != systemd.StatusAbsent {
		t.Errorf("Expected absent service, got %s", st.Service)
	}
}

func TestListNeverMutates(t *testing.T) {
	h := newHarness(t)

	if _, err := h.m.Create(validRequest()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	before := len(h.engine.rules)
	statuses, err := h.m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Port != 8388 {
		t.Errorf("Expected one status for port 8388, got %v", statuses)
	}
	if len(h.engine.rules) != before {
		t.Error("List must not mutate firewall state")
	}
}
