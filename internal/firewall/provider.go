package firewall

import (
	"net"
	"os/exec"

	"github.com/coreos/go-iptables/iptables"
)

// Family is the address family a rule set belongs to.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Direction of metered traffic relative to the proxy port.
type Direction string

const (
	DirectionIn  Direction = "in"  // keyed on destination port
	DirectionOut Direction = "out" // keyed on source port
)

// Provider is an abstraction of the iptables methods the quota engine
// needs, so tests can substitute a fake table.
type Provider interface {
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	StructuredStats(table, chain string) ([]iptables.Stat, error)
}

// NewIPTablesProvider returns a Provider backed by the go-iptables package
// for the given family.
func NewIPTablesProvider(family Family) (Provider, error) {
	proto := iptables.ProtocolIPv4
	if family == FamilyV6 {
		proto = iptables.ProtocolIPv6
	}
	return iptables.NewWithProtocol(proto)
}

// HasGlobalIPv6 reports whether the host carries a global-scope IPv6
// address. IPv6 rules are only installed when it does.
func HasGlobalIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.To4() != nil || ip.To16() == nil {
			continue
		}
		// Skip unique-local (fc00::/7) and anything non-global
		if ip.IsGlobalUnicast() && (ip[0]&0xfe) != 0xfc {
			return true
		}
	}
	return false
}

// saveBinary maps a family to its rule persistence command.
func saveBinary(family Family) string {
	if family == FamilyV6 {
		return "ip6tables-save"
	}
	return "iptables-save"
}

// runCommand is replaced in tests.
var runCommand = func(name string, arg ...string) ([]byte, error) {
	return exec.Command(name, arg...).Output()
}
