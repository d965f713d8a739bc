package bridgesetup

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/patzehq/patze-control/internal/apierr"
	"github.com/patzehq/patze-control/internal/security"
)

// FailureClass is one of the structured preflight failure classifications.
type FailureClass string

const (
	FailKeyUnreadable    FailureClass = "ssh_key_unreadable"
	FailAuthMissing      FailureClass = "ssh_auth_missing"
	FailAuthFailed       FailureClass = "ssh_auth_failed"
	FailDNS              FailureClass = "ssh_dns_failed"
	FailNetUnreachable   FailureClass = "ssh_network_unreachable"
	FailTimeout          FailureClass = "ssh_timeout"
	FailHostVerification FailureClass = "ssh_host_verification_failed"
	FailExec             FailureClass = "ssh_exec_failed"
	FailUnknown          FailureClass = "unknown"
)

// remediation maps each failure class to operator hints.
var remediation = map[FailureClass][]string{
	FailKeyUnreadable: {
		"check that the private key file exists and is readable",
		"the key must live under ~/.ssh/",
	},
	FailAuthMissing: {
		"no private key path was provided",
		"specify an identity file under ~/.ssh/",
	},
	FailAuthFailed: {
		"verify the public key is present in the remote authorized_keys",
		"confirm the SSH user name is correct",
	},
	FailDNS: {
		"check the hostname for typos",
		"confirm DNS resolution works from this machine",
	},
	FailNetUnreachable: {
		"check that the remote host is up and routable",
		"confirm any VPN or bastion the host requires is connected",
	},
	FailTimeout: {
		"the host did not answer within the connection window",
		"check firewall rules for the SSH port",
	},
	FailHostVerification: {
		"the host key does not match known_hosts",
		"remove the stale entry if the host was legitimately reinstalled",
	},
	FailExec: {
		"connection succeeded but running a command failed",
		"check the remote shell and account restrictions",
	},
	FailUnknown: {
		"inspect the bridge setup log for the raw error",
	},
}

// Diagnosis is the structured result of a failed preflight.
type Diagnosis struct {
	Class       FailureClass `json:"class"`
	Detail      string       `json:"detail"`
	Remediation []string     `json:"remediation"`
}

// PreflightInput names the connection parameters to probe.
type PreflightInput struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"privateKeyPath"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
}

// Preflight probes SSH reachability and auth for the given input,
// returning a structured diagnosis on failure.
func (m *Manager) Preflight(ctx context.Context, in PreflightInput) (*Diagnosis, error) {
	if in.PrivateKeyPath == "" {
		return diagnose(FailAuthMissing, "no private key path provided")
	}
	if err := security.ValidateIdentityFile(in.PrivateKeyPath); err != nil {
		return diagnose(FailKeyUnreadable, err.Error())
	}
	if _, err := os.Stat(in.PrivateKeyPath); err != nil {
		return diagnose(FailKeyUnreadable, "private key is not readable")
	}

	conn, err := m.dial(ctx, DialParams{
		Host:           in.Host,
		Port:           in.Port,
		User:           in.User,
		PrivateKeyPath: in.PrivateKeyPath,
		KnownHostsPath: in.KnownHostsPath,
	})
	if err != nil {
		return diagnose(ClassifyDialError(err), scrubDialError(err))
	}
	defer conn.Close()

	if _, _, code, err := conn.Run(ctx, "true"); err != nil || code != 0 {
		return diagnose(FailExec, "remote command execution failed")
	}

	return nil, nil
}

func diagnose(class FailureClass, detail string) (*Diagnosis, error) {
	d := &Diagnosis{Class: class, Detail: detail, Remediation: remediation[class]}
	err := apierr.New(apierr.PreflightFailed, "preflight failed: "+string(class)).
		WithDiagnosis(string(class), d.Remediation...)
	return d, err
}

// ClassifyDialError maps an SSH dial error to a preflight failure class.
func ClassifyDialError(err error) FailureClass {
	if err == nil {
		return FailUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "knownhosts: key mismatch"),
		strings.Contains(msg, "key is unknown"),
		strings.Contains(msg, "host key verification"):
		return FailHostVerification
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return FailAuthFailed
	case strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "connection refused"):
		return FailNetUnreachable
	case strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "timed out"):
		return FailTimeout
	}
	return FailUnknown
}

// scrubDialError strips local filesystem paths from a dial error before it
// reaches a caller. The raw error stays in the bridge's setup log.
func scrubDialError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '/'); i >= 0 {
		return msg[:i] + "<path>"
	}
	return msg
}
