package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"wagate/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "io.wagate.gateway"
	systemdUnit  = "wagate.service"
)

type unitVars struct {
	Label  string
	Exec   string
	Config string
	Log    string
	ErrLog string
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Install or remove wagate as a user service (launchd/systemd)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install a service that runs 'wagate serve' at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			vars := unitVars{
				Label:  launchdLabel,
				Exec:   execPath,
				Config: config.ExpandPath(resolveConfigPath()),
				Log:    filepath.Join(logDir, "wagate.log"),
				ErrLog: filepath.Join(logDir, "wagate-error.log"),
			}

			path, tmpl, err := unitLocation()
			if err != nil {
				return err
			}
			if runtime.GOOS == "darwin" {
				if err := os.MkdirAll(logDir, 0o755); err != nil {
					return err
				}
			}
			if err := writeUnit(path, tmpl, vars); err != nil {
				return err
			}

			fmt.Printf("Daemon installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			} else {
				fmt.Printf("To start:  systemctl --user start wagate\n")
				fmt.Printf("To enable: systemctl --user enable wagate\n")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wagate service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := unitLocation()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	})

	return cmd
}

func unitLocation() (string, *template.Template, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil, err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), launchdTemplate, nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), systemdTemplate, nil
	default:
		return "", nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
	}
}

func writeUnit(path string, tmpl *template.Template, vars unitVars) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=wagate messaging gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
