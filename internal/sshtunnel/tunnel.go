// Package sshtunnel implements the SSH Tunnel Runtime (component D): it
// dials SSH, opens local->remote TCP forwards, and reports tunnel state.
package sshtunnel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/patzehq/patze-control/internal/idgen"
)

// State is a tunnel's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// OpenForwardRequest describes a tunnel to open.
type OpenForwardRequest struct {
	Host            string
	Port            int
	User            string
	PrivateKeyPath  string
	KnownHostsPath  string
	RemoteHost      string
	RemotePort      int
	LocalPort       int // 0 picks an ephemeral port
	TrustOnFirstUse bool
}

// Tunnel is a single open (or previously open) SSH forward.
type Tunnel struct {
	ID           string
	LocalBaseURL string
	RemoteHost   string
	RemotePort   int
	SSHHost      string
	SSHUser      string
	OpenedAt     time.Time

	mu    sync.RWMutex
	state State
	err   string

	client   *ssh.Client
	listener net.Listener
	wg       sync.WaitGroup
	closing  atomic.Bool
}

// State returns the tunnel's current state.
func (t *Tunnel) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastError returns the last error message recorded against the tunnel, if any.
func (t *Tunnel) LastError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *Tunnel) setState(s State, errMsg string) {
	t.mu.Lock()
	t.state = s
	t.err = errMsg
	t.mu.Unlock()
}

// Runtime owns the set of open tunnels; the attachment orchestrator only
// ever references them by id.
type Runtime struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// New creates an empty Runtime.
func New() *Runtime {
	return &Runtime{tunnels: make(map[string]*Tunnel)}
}

// OpenForward dials SSH and opens a local TCP listener that forwards each
// accepted connection to remoteHost:remotePort over the SSH connection.
// Known-host verification is mandatory unless req.TrustOnFirstUse is set
// for a bridge-managed tunnel. The private key must resolve under the
// user's SSH directory regardless.
func (r *Runtime) OpenForward(req OpenForwardRequest) (*Tunnel, error) {
	client, err := DialClient(DialConfig{
		Host:            req.Host,
		Port:            req.Port,
		User:            req.User,
		PrivateKeyPath:  req.PrivateKeyPath,
		KnownHostsPath:  req.KnownHostsPath,
		TrustOnFirstUse: req.TrustOnFirstUse,
	})
	if err != nil {
		return nil, err
	}

	localAddr := fmt.Sprintf("127.0.0.1:%d", req.LocalPort)
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &Tunnel{
		ID:           idgen.New("tun"),
		LocalBaseURL: fmt.Sprintf("http://%s", listener.Addr().String()),
		RemoteHost:   req.RemoteHost,
		RemotePort:   req.RemotePort,
		SSHHost:      req.Host,
		SSHUser:      req.User,
		OpenedAt:     time.Now().UTC(),
		state:        StateOpen,
		client:       client,
		listener:     listener,
	}

	t.wg.Add(1)
	go t.acceptLoop()

	r.mu.Lock()
	r.tunnels[t.ID] = t
	r.mu.Unlock()

	return t, nil
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	remoteAddr := net.JoinHostPort(t.RemoteHost, fmt.Sprintf("%d", t.RemotePort))

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closing.Load() {
				return
			}
			t.setState(StateDisconnected, err.Error())
			return
		}
		go t.forward(conn, remoteAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		t.setState(StateDisconnected, err.Error())
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { pipe(remote, local); done <- struct{}{} }()
	go func() { pipe(local, remote); done <- struct{}{} }()
	<-done
}

func pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close tears down a single tunnel by id.
func (r *Runtime) Close(id string) error {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("tunnel %q not found", id)
	}
	t.close()
	return nil
}

func (t *Tunnel) close() {
	t.closing.Store(true)
	if t.listener != nil {
		t.listener.Close()
	}
	if t.client != nil {
		t.client.Close()
	}
	t.wg.Wait()
	t.setState(StateClosed, "")
}

// CloseAll tears down every open tunnel.
func (r *Runtime) CloseAll() {
	r.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.tunnels = make(map[string]*Tunnel)
	r.mu.Unlock()

	for _, t := range tunnels {
		t.close()
	}
}

// ListTunnels returns all currently tracked tunnels.
func (r *Runtime) ListTunnels() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Get returns a tunnel by id.
func (r *Runtime) Get(id string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}
