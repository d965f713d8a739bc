// Package setup implements the interactive first-run wizard for patzectl.
package setup

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/patzehq/patze-control/internal/config"
)

const (
	defaultSettingsDirName = ".patze-control"
	defaultOpenClawDirName = ".openclaw"
	defaultListenHost      = "127.0.0.1"
	defaultListenPort      = "9700"
)

// SSHConnection is a single bootstrap entry persisted to ssh-connections.json.
type SSHConnection struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	IdentityFile string `json:"identityFile"`
}

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	SettingsDir string // Override default settings directory (for testing)
}

// RunWizard runs the interactive setup wizard. It takes io.Reader/io.Writer
// for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)

	settingsDir := opts.SettingsDir
	if settingsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		settingsDir = filepath.Join(home, defaultSettingsDirName)
	}
	configPath := filepath.Join(settingsDir, "config.yaml")
	authPath := filepath.Join(settingsDir, "auth.json")
	sshPath := filepath.Join(settingsDir, "ssh-connections.json")

	fmt.Fprintln(out, "Patze Control Setup")
	fmt.Fprintln(out, "===================")
	fmt.Fprintln(out)

	// Step 1: OpenClaw home directory.
	home, _ := os.UserHomeDir()
	defaultOpenClawHome := filepath.Join(home, defaultOpenClawDirName)
	openclawHome := prompt(scanner, out,
		fmt.Sprintf("OpenClaw home directory [%s]: ", defaultOpenClawHome),
		defaultOpenClawHome)
	if err := config.ValidateOpenClawDir(openclawHome); err != nil {
		return fmt.Errorf("openclaw home directory: %w", err)
	}

	// Step 2: Listen address.
	listenHost := prompt(scanner, out,
		fmt.Sprintf("Control Surface bind host [%s]: ", defaultListenHost), defaultListenHost)
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Control Surface bind port [%s]: ", defaultListenPort), defaultListenPort)

	if reason := checkPortAvailable(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: %s:%s %s\n\n", listenHost, listenPort, reason)
	}

	// Step 3: Auth mode.
	authMode := prompt(scanner, out, "Auth mode (none/token) [none]: ", "none")
	var authToken string
	if authMode == "token" {
		authToken = prompt(scanner, out, "Auth token (leave empty to generate one): ", "")
		if authToken == "" {
			generated, err := generateToken()
			if err != nil {
				return fmt.Errorf("generating auth token: %w", err)
			}
			authToken = generated
			fmt.Fprintf(out, "  Generated auth token: %s\n\n", authToken)
		}
	}

	// Step 4: Optional initial SSH bootstrap connection.
	var conns []SSHConnection
	addConn := prompt(scanner, out, "Register an initial SSH connection now? [y/N]: ", "n")
	if strings.HasPrefix(strings.ToLower(addConn), "y") {
		sshHost := prompt(scanner, out, "  SSH host: ", "")
		if sshHost != "" {
			sshPortStr := promptPort(scanner, out, "  SSH port [22]: ", "22")
			sshUser := prompt(scanner, out, "  SSH user: ", "root")
			identity := prompt(scanner, out, "  Identity file [~/.ssh/id_ed25519]: ",
				filepath.Join(home, ".ssh", "id_ed25519"))
			sshPort, _ := strconv.Atoi(sshPortStr)
			conns = append(conns, SSHConnection{
				Host:         sshHost,
				Port:         sshPort,
				User:         sshUser,
				IdentityFile: identity,
			})
		}
	}

	// Step 5: Check for existing config.
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Assemble and write config.yaml.
	isRoot := os.Geteuid() == 0
	cfg := config.DefaultConfig()
	cfg.Server.Host = listenHost
	port, err := strconv.Atoi(listenPort)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", listenPort, err)
	}
	cfg.Server.Port = port
	cfg.Auth.Mode = authMode
	cfg.Auth.Token = authToken
	cfg.Storage.OpenClawHome = openclawHome
	cfg.Storage.CronStoreDir = filepath.Join(openclawHome, "cron")
	cfg.Storage.SettingsDir = settingsDir

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	yamlContent, err := marshalConfigYAML(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	if err := writeFile(configPath, yamlContent, 0640); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	authContent, err := json.MarshalIndent(map[string]string{
		"mode":  authMode,
		"token": authToken,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering auth.json: %w", err)
	}
	if err := writeFile(authPath, append(authContent, '\n'), 0600); err != nil {
		return fmt.Errorf("writing auth.json: %w", err)
	}

	sshContent, err := json.MarshalIndent(conns, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering ssh-connections.json: %w", err)
	}
	if err := writeFile(sshPath, append(sshContent, '\n'), 0600); err != nil {
		return fmt.Errorf("writing ssh-connections.json: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config.
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only).
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start patze-control service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start patze-control")
			}
		}
	}

	// Step 9: Print summary.
	listenAddress := net.JoinHostPort(listenHost, listenPort)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:         %s\n", configPath)
	fmt.Fprintf(out, "  Control Surface: http://%s\n", listenAddress)
	fmt.Fprintf(out, "  OpenClaw home:  %s\n", openclawHome)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", listenAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u patze-control -f")
	fmt.Fprintln(out, "  Validate:       patzectl validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the patze-control service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	if err := exec.Command("systemctl", "restart", "patze-control").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "patze-control").Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "patze-control").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// generateToken creates a random hex-encoded bearer token.
func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// marshalConfigYAML renders a Config with a short header comment, matching
// the density of comments the config file ships with.
func marshalConfigYAML(cfg *config.Config) ([]byte, error) {
	header := "# Patze Control configuration\n# Generated by: patzectl setup\n\n"
	body, err := cfg.ToYAML()
	if err != nil {
		return nil, err
	}
	return append([]byte(header), body...), nil
}

// writeFile writes content to path, creating parent directories as needed.
func writeFile(path string, content []byte, mode os.FileMode) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
