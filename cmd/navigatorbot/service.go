package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	serviceName  = "navigatorbot"
	launchdLabel = "com.navigatorbot.relay"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove navigatorbot as a user service (systemd/launchd)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write a service file that runs 'navigatorbot run' at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, content, hint, err := serviceUnit(runtime.GOOS, home, execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service installed: %s\n%s", path, hint)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, _, _, err := serviceUnit(runtime.GOOS, home, "", "")
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service uninstalled: %s\n", path)
			return nil
		},
	})

	return cmd
}

// serviceUnit renders the service file for goos and returns where it goes
// plus the commands that start it.
func serviceUnit(goos, home, execPath, cfgPath string) (path, content, hint string, err error) {
	switch goos {
	case "linux":
		path = filepath.Join(home, ".config", "systemd", "user", serviceName+".service")
		content = fillTemplate(systemdTemplate, execPath, cfgPath, "")
		hint = "To enable: systemctl --user enable --now " + serviceName + "\n" +
			"Logs:      journalctl --user -u " + serviceName + " -f\n"
	case "darwin":
		path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		content = fillTemplate(launchdTemplate, execPath, cfgPath, filepath.Join(home, ".navigatorbot", "logs"))
		hint = "To start: launchctl load " + path + "\n" +
			"To stop:  launchctl unload " + path + "\n"
	default:
		err = fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
	return path, content, hint, err
}

func fillTemplate(tmpl, execPath, cfgPath, logDir string) string {
	return strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "navigatorbot.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "navigatorbot-error.log"),
	).Replace(tmpl)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=navigatorbot chat relay for the NAVIGATOR server
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
