package tlscert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
)

// ResolveDomain performs a DNS lookup using public resolvers (Google
// 8.8.8.8, Cloudflare 1.1.1.1), bypassing the local system resolver to
// check for global propagation.
func ResolveDomain(domain string) ([]string, error) {
	logger := logging.GetLogger()

	resolvers := []string{
		"8.8.8.8:53", // Google
		"1.1.1.1:53", // Cloudflare
	}

	var lastErr error

	for _, resolverAddr := range resolvers {
		resolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{
					Timeout: 2 * time.Second,
				}
				return d.DialContext(ctx, "udp", resolverAddr)
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ips, err := resolver.LookupHost(ctx, domain)
		cancel()

		if err == nil {
			logger.Info("Resolved %s using %s: %v", domain, resolverAddr, ips)
			return ips, nil
		}

		logger.Warn("Failed to resolve %s using %s: %v", domain, resolverAddr, err)
		lastErr = err
	}

	return nil, fmt.Errorf("domain %s did not resolve on any public resolver: %w", domain, lastErr)
}

// ProbeTLS checks TLS reachability of the domain on 443. Callers treat a
// failure as a warning, not an error; the explicit timeout keeps a dead
// host from blocking the whole invocation.
func ProbeTLS(domain string, timeout time.Duration) error {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(domain, "443"), &tls.Config{
		ServerName: domain,
	})
	if err != nil {
		return fmt.Errorf("TLS probe of %s failed: %w", domain, err)
	}
	return conn.Close()
}

// Pair is a certificate and key on disk.
type Pair struct {
	CertPath string
	KeyPath  string
}

// Layout describes one certificate-authority client's on-disk layout.
// {domain} in the file patterns substitutes the domain name.
type Layout struct {
	Dir      string
	CertFile string
	KeyFile  string
}

// defaultLayouts covers the two well-known CA client layouts: certbot and
// acme.sh.
func defaultLayouts() []Layout {
	layouts := []Layout{
		{Dir: "/etc/letsencrypt/live", CertFile: "fullchain.pem", KeyFile: "privkey.pem"},
	}
	if home, err := os.UserHomeDir(); err == nil {
		layouts = append(layouts, Layout{
			Dir:      filepath.Join(home, ".acme.sh"),
			CertFile: "fullchain.cer",
			KeyFile:  "{domain}.key",
		})
	}
	return layouts
}

// Lookup finds an issued certificate for domain in the default layouts.
func Lookup(domain string) (Pair, bool) {
	return LookupLayouts(domain, defaultLayouts())
}

// LookupLayouts finds an issued certificate for domain in the given
// layouts, first hit wins.
func LookupLayouts(domain string, layouts []Layout) (Pair, bool) {
	for _, l := range layouts {
		cert := filepath.Join(l.Dir, domain, strings.ReplaceAll(l.CertFile, "{domain}", domain))
		key := filepath.Join(l.Dir, domain, strings.ReplaceAll(l.KeyFile, "{domain}", domain))
		if fileExists(cert) && fileExists(key) {
			return Pair{CertPath: cert, KeyPath: key}, true
		}
	}
	return Pair{}, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
