package systemd

import (
	"fmt"
	"os"
	"path/filepath"
)

const unitDir = "/etc/systemd/system"

// unitTemplate is the template unit instantiated per port. %i expands to
// the instance name (the port), pointing ss-server at that port's record.
const unitTemplate = `[Unit]
Description=Shadowsocks proxy instance on port %%i
After=network.target

[Service]
Type=simple
ExecStart=%s -c %s/%%i.json
Restart=on-failure
LimitNOFILE=32768

[Install]
WantedBy=multi-user.target
`

// InstallUnit writes the template unit file and reloads systemd. Safe to
// re-run; an existing template is overwritten in place.
func (b *Binder) InstallUnit(serverBinary, configDir string) error {
	path := filepath.Join(unitDir, b.template+"@.service")
	content := fmt.Sprintf(unitTemplate, serverBinary, configDir)

	b.logger.Info("Installing unit template %s", path)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write unit template: %w", err)
	}

	if out, err := b.run("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %s: %w", string(out), err)
	}

	return nil
}
