package sshtunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/patzehq/patze-control/internal/security"
)

// DialConfig names the parameters for an authenticated, host-verified SSH
// dial. Shared by the tunnel runtime and the bridge setup manager.
type DialConfig struct {
	Host            string
	Port            int
	User            string
	PrivateKeyPath  string
	KnownHostsPath  string
	TrustOnFirstUse bool
	Timeout         time.Duration
}

// DialClient dials an SSH client with the identity-file and known-hosts
// checks every SSH path in the control plane must pass: the private key
// must resolve under ~/.ssh, and host keys are verified against
// known_hosts (trust-on-first-use appends the first-seen key when
// explicitly allowed for bridge-managed connections).
func DialClient(cfg DialConfig) (*ssh.Client, error) {
	if err := security.ValidateIdentityFile(cfg.PrivateKeyPath); err != nil {
		return nil, fmt.Errorf("private key path: %w", err)
	}

	signer, err := loadSigner(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	verify, err := hostKeyCallback(cfg.KnownHostsPath, cfg.TrustOnFirstUse)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: verify,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func loadSigner(privateKeyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// hostKeyCallback builds the host-key verifier for a tunnel. Known-host
// verification is mandatory for ad-hoc connections; bridge-managed tunnels
// may opt into trust-on-first-use, appending the first-seen key to the
// known_hosts file so subsequent connections are verified normally.
func hostKeyCallback(knownHostsPath string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		if trustOnFirstUse {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, fmt.Errorf("known_hosts path required")
	}

	if _, err := os.Stat(knownHostsPath); err != nil {
		if !trustOnFirstUse {
			return nil, err
		}
		if f, cerr := os.OpenFile(knownHostsPath, os.O_CREATE|os.O_WRONLY, 0o600); cerr == nil {
			f.Close()
		} else {
			return nil, cerr
		}
	}

	verify, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	if !trustOnFirstUse {
		return verify, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(knownHostsPath, hostname, key)
		}
		return err
	}, nil
}

func appendKnownHost(knownHostsPath, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	return err
}
