// Package attach implements the Remote Node Attachment Orchestrator
// (component E): it binds an endpoint to an SSH tunnel and a remote
// telemetry node proxy, verifying the bridge's health endpoint through
// the tunnel before the attachment is registered.
package attach

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/patzehq/patze-control/internal/sshtunnel"
)

// EndpointConfig describes one remote OpenClaw bridge to attach.
type EndpointConfig struct {
	ID             string `json:"id"`
	Label          string `json:"label,omitempty"`
	SSHHost        string `json:"sshHost"`
	SSHPort        int    `json:"sshPort"`
	SSHUser        string `json:"sshUser"`
	PrivateKeyPath string `json:"privateKeyPath"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
	RemoteHost     string `json:"remoteHost"`
	RemotePort     int    `json:"remotePort"`
	LocalPort      int    `json:"localPort,omitempty"`
	Token          string `json:"token,omitempty"`

	// BridgeManaged marks tunnels the Bridge Setup Manager owns; these may
	// trust the host key on first use instead of requiring a known_hosts
	// entry up front.
	BridgeManaged bool `json:"bridgeManaged,omitempty"`
}

// Info describes a registered attachment.
type Info struct {
	EndpointID string            `json:"endpointId"`
	TunnelID   string            `json:"tunnelId"`
	LocalBase  string            `json:"localBaseUrl"`
	SSHUser    string            `json:"sshUser"`
	AttachedAt time.Time         `json:"attachedAt"`
	Degraded   bool              `json:"degraded"`
	Tunnel     *sshtunnel.Tunnel `json:"-"`
}

// TunnelOpener is the slice of the SSH Tunnel Runtime the orchestrator
// needs. *sshtunnel.Runtime satisfies it.
type TunnelOpener interface {
	OpenForward(req sshtunnel.OpenForwardRequest) (*sshtunnel.Tunnel, error)
	Close(id string) error
}

// attachment couples the registered endpoint config with its live tunnel.
type attachment struct {
	config   EndpointConfig
	tunnel   *sshtunnel.Tunnel
	attached time.Time
	degraded bool
}

// Orchestrator owns the endpoint registry and references tunnels by id
// (the runtime owns the tunnels themselves).
type Orchestrator struct {
	tunnels TunnelOpener
	client  *http.Client

	healthRetries  int
	healthInterval time.Duration

	mu          sync.RWMutex
	attachments map[string]*attachment
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealthRetry overrides the health probe retry window.
func WithHealthRetry(retries int, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.healthRetries = retries
		o.healthInterval = interval
	}
}

// New creates an Orchestrator over the given tunnel runtime.
func New(tunnels TunnelOpener, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tunnels: tunnels,
		client: &http.Client{
			Timeout: 3 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		healthRetries:  10,
		healthInterval: 500 * time.Millisecond,
		attachments:    make(map[string]*attachment),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AttachEndpoint opens a tunnel to the endpoint, verifies the bridge's
// /health on the local end within the retry window, and registers the
// attachment. A partially opened tunnel is torn down on failure.
func (o *Orchestrator) AttachEndpoint(cfg EndpointConfig) (Info, error) {
	if cfg.ID == "" {
		return Info{}, fmt.Errorf("endpoint id is required")
	}

	o.mu.RLock()
	_, exists := o.attachments[cfg.ID]
	o.mu.RUnlock()
	if exists {
		return Info{}, fmt.Errorf("endpoint %q is already attached", cfg.ID)
	}

	tunnel, err := o.tunnels.OpenForward(sshtunnel.OpenForwardRequest{
		Host:            cfg.SSHHost,
		Port:            cfg.SSHPort,
		User:            cfg.SSHUser,
		PrivateKeyPath:  cfg.PrivateKeyPath,
		KnownHostsPath:  cfg.KnownHostsPath,
		RemoteHost:      cfg.RemoteHost,
		RemotePort:      cfg.RemotePort,
		LocalPort:       cfg.LocalPort,
		TrustOnFirstUse: cfg.BridgeManaged,
	})
	if err != nil {
		return Info{}, fmt.Errorf("opening tunnel to %s: %w", cfg.SSHHost, err)
	}

	if err := o.probeHealth(tunnel.LocalBaseURL, cfg.Token); err != nil {
		o.tunnels.Close(tunnel.ID)
		return Info{}, fmt.Errorf("health check through tunnel failed: %w", err)
	}

	a := &attachment{
		config:   cfg,
		tunnel:   tunnel,
		attached: time.Now().UTC(),
	}

	o.mu.Lock()
	if _, raced := o.attachments[cfg.ID]; raced {
		o.mu.Unlock()
		o.tunnels.Close(tunnel.ID)
		return Info{}, fmt.Errorf("endpoint %q is already attached", cfg.ID)
	}
	o.attachments[cfg.ID] = a
	o.mu.Unlock()

	return a.info(), nil
}

// probeHealth polls GET /health on the tunnel's local end until it answers
// 200 or the retry window is exhausted.
func (o *Orchestrator) probeHealth(baseURL, token string) error {
	var lastErr error
	for i := 0; i < o.healthRetries; i++ {
		if i > 0 {
			time.Sleep(o.healthInterval)
		}
		err := o.probeOnce(baseURL, token)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (o *Orchestrator) probeOnce(baseURL, token string) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// DetachEndpoint removes an attachment. Idempotent: detaching an unknown
// endpoint is a no-op. closeTunnel controls whether the underlying tunnel
// is also torn down.
func (o *Orchestrator) DetachEndpoint(id string, closeTunnel bool) {
	o.mu.Lock()
	a, ok := o.attachments[id]
	delete(o.attachments, id)
	o.mu.Unlock()

	if ok && closeTunnel {
		o.tunnels.Close(a.tunnel.ID)
	}
}

// ListAttachments returns info for every registered attachment.
func (o *Orchestrator) ListAttachments() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Info, 0, len(o.attachments))
	for _, a := range o.attachments {
		out = append(out, a.info())
	}
	return out
}

// GetEndpointConfig returns the stored config for an attached endpoint.
func (o *Orchestrator) GetEndpointConfig(id string) (EndpointConfig, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.attachments[id]
	if !ok {
		return EndpointConfig{}, false
	}
	return a.config, true
}

// ProbeAttachment re-runs a single health probe against an attachment and
// records the result as the attachment's degraded flag. Used by the health
// check and reconnect task actions.
func (o *Orchestrator) ProbeAttachment(id string) error {
	o.mu.RLock()
	a, ok := o.attachments[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("endpoint %q is not attached", id)
	}

	err := o.probeOnce(a.tunnel.LocalBaseURL, a.config.Token)

	o.mu.Lock()
	if cur, still := o.attachments[id]; still && cur == a {
		cur.degraded = err != nil
	}
	o.mu.Unlock()

	return err
}

// Reattach detaches (closing the tunnel) and re-attaches an endpoint from
// its stored config. Used by the reconnect task action.
func (o *Orchestrator) Reattach(id string) (Info, error) {
	cfg, ok := o.GetEndpointConfig(id)
	if !ok {
		return Info{}, fmt.Errorf("endpoint %q is not attached", id)
	}
	o.DetachEndpoint(id, true)
	return o.AttachEndpoint(cfg)
}

func (a *attachment) info() Info {
	return Info{
		EndpointID: a.config.ID,
		TunnelID:   a.tunnel.ID,
		LocalBase:  a.tunnel.LocalBaseURL,
		SSHUser:    a.config.SSHUser,
		AttachedAt: a.attached,
		Degraded:   a.degraded,
		Tunnel:     a.tunnel,
	}
}
