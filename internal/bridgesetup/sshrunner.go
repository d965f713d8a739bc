package bridgesetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/patzehq/patze-control/internal/sshtunnel"
)

// sshCommander is the production Commander over an *ssh.Client.
type sshCommander struct {
	client *ssh.Client
}

// SSHDialer is the production Dialer, sharing the identity-file and
// known-hosts checks of the tunnel runtime. Bridge-managed installs may
// trust the host key on first use.
func SSHDialer(trustOnFirstUse bool) Dialer {
	return func(ctx context.Context, p DialParams) (Commander, error) {
		type result struct {
			client *ssh.Client
			err    error
		}
		ch := make(chan result, 1)
		go func() {
			client, err := sshtunnel.DialClient(sshtunnel.DialConfig{
				Host:            p.Host,
				Port:            p.Port,
				User:            p.User,
				PrivateKeyPath:  p.PrivateKeyPath,
				KnownHostsPath:  p.KnownHostsPath,
				TrustOnFirstUse: trustOnFirstUse,
			})
			ch <- result{client, err}
		}()
		select {
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.client != nil {
					r.client.Close()
				}
			}()
			return nil, ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return nil, r.err
			}
			return &sshCommander{client: r.client}, nil
		}
	}
}

func (c *sshCommander) Run(ctx context.Context, cmd string) (string, string, int, error) {
	return c.RunInput(ctx, cmd, "")
}

func (c *sshCommander) RunInput(ctx context.Context, cmd, stdin string) (string, string, int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
}

// Upload writes data to remotePath by streaming it through a remote shell,
// then sets the file mode. Good enough for the small bundle/config
// artifacts the setup manager ships.
func (c *sshCommander) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(remotePath), mode.Perm(), shellQuote(remotePath))

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("writing %s: %w", remotePath, err)
		}
		return nil
	}
}

func (c *sshCommander) Close() error {
	return c.client.Close()
}
