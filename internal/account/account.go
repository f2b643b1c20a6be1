package account

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GiB is the unit quotas are expressed in on the command line.
const GiB = int64(1) << 30

// Account represents one provisioned proxy user. The record is persisted
// as the ss-server config for that port, so the JSON field names follow
// the shadowsocks-libev config schema. quota_bytes and quota_history are
// manager-only fields; ss-server ignores unknown keys.
type Account struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Plugin     string `json:"plugin"`
	PluginOpts string `json:"plugin_opts"`
	Mode       string `json:"mode"`

	// QuotaBytes is the intended cap. The caps actually installed in the
	// firewall may lag behind it; QuotaHistory records every cap that was
	// ever installed for this port so removal can match old rules exactly.
	QuotaBytes   int64   `json:"quota_bytes"`
	QuotaHistory []int64 `json:"quota_history,omitempty"`
}

// NewPassword generates an account credential.
func NewPassword() string {
	return uuid.NewString()
}

// QuotaFromGB converts a whole-GiB quota to bytes.
func QuotaFromGB(gb int) int64 {
	return int64(gb) * GiB
}

// RecordQuota appends cap to the history unless already present.
func (a *Account) RecordQuota(cap int64) {
	for _, c := range a.QuotaHistory {
		if c == cap {
			return
		}
	}
	a.QuotaHistory = append(a.QuotaHistory, cap)
}

// KnownCaps returns every cap value that might currently be installed in
// the firewall for this account: the recorded history, the current intent,
// and any extra defaults the caller wants covered.
func (a *Account) KnownCaps(extra ...int64) []int64 {
	seen := make(map[int64]bool)
	var caps []int64
	add := func(c int64) {
		if c > 0 && !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	for _, c := range a.QuotaHistory {
		add(c)
	}
	add(a.QuotaBytes)
	for _, c := range extra {
		add(c)
	}
	return caps
}

// HasTLS reports whether the plugin options carry a certificate.
func (a *Account) HasTLS() bool {
	return strings.Contains(a.PluginOpts, "cert=")
}

// Validate checks the fields a usable record must carry.
func (a *Account) Validate() error {
	if a.ServerPort < 1 || a.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", a.ServerPort)
	}
	if a.Password == "" {
		return fmt.Errorf("password is required")
	}
	if a.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}
