// Package tcptransport implements cluster.Transport over plain TCP with
// newline-delimited JSON framing. Membership is static: a peers file lists
// the other members, and the file is watched with fsnotify so edits take
// effect without a restart. Suitable for small fixed clusters on a trusted
// LAN.
package tcptransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"

	"github.com/sessionmesh/sessionmesh/cluster"
)

// Config for the TCP transport. Defaults can be loaded via envdecode.
type Config struct {
	// ListenAddr is the local address replication traffic arrives on.
	ListenAddr string `env:"SESSIONMESH_TCP_LISTEN,default=:7400"`
	// NodeName identifies this member and must appear nowhere in PeersFile.
	NodeName string `env:"SESSIONMESH_NODE_NAME"`
	// Domain groups members for domain-scoped replication; may be empty.
	Domain string `env:"SESSIONMESH_DOMAIN"`
	// PeersFile is a JSON array of cluster.Member records for the other
	// nodes. The file is watched; rewrites reload the member view.
	PeersFile string `env:"SESSIONMESH_PEERS_FILE"`
	// DialTimeout bounds each outbound connection attempt.
	DialTimeout time.Duration `env:"SESSIONMESH_TCP_DIAL_TIMEOUT,default=3s"`

	Logger *slog.Logger
}

// Transport implements cluster.Transport over TCP.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	member cluster.Member

	listener net.Listener
	watcher  *fsnotify.Watcher

	mu      sync.RWMutex
	handler cluster.Handler
	peers   []cluster.Member

	cancel context.CancelFunc
	done   sync.WaitGroup
}

var _ cluster.Transport = (*Transport)(nil)

// New creates a TCP transport. Call Start to begin listening.
func New(cfg Config) (*Transport, error) {
	if cfg.NodeName == "" {
		return nil, errors.New("tcptransport: NodeName is required")
	}
	if cfg.PeersFile == "" {
		return nil, errors.New("tcptransport: PeersFile is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7400"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger,
		member: cluster.Member{Name: cfg.NodeName, Addr: cfg.ListenAddr, Domain: cfg.Domain},
	}, nil
}

// NewFromEnv builds a Transport using envdecode to populate Config.
func NewFromEnv() (*Transport, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Start loads the peers file, begins watching it, and starts accepting
// inbound replication connections.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.loadPeers(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("peers watcher: %w", err)
	}
	if err := watcher.Add(t.cfg.PeersFile); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", t.cfg.PeersFile, err)
	}
	t.watcher = watcher

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done.Add(2)
	go t.acceptLoop(runCtx)
	go t.watchLoop(runCtx)
	return nil
}

// Addr returns the bound listen address once Start has succeeded. Useful when
// ListenAddr requested port 0.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return t.cfg.ListenAddr
	}
	return t.listener.Addr().String()
}

// Close stops the listener and the peers watcher.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
	t.done.Wait()
	return nil
}

func (t *Transport) loadPeers() error {
	data, err := os.ReadFile(t.cfg.PeersFile)
	if err != nil {
		return fmt.Errorf("read peers file: %w", err)
	}
	var peers []cluster.Member
	if err := json.Unmarshal(data, &peers); err != nil {
		return fmt.Errorf("parse peers file %s: %w", t.cfg.PeersFile, err)
	}
	filtered := peers[:0]
	for _, p := range peers {
		if p.Name != t.member.Name {
			filtered = append(filtered, p)
		}
	}
	t.mu.Lock()
	t.peers = filtered
	t.mu.Unlock()
	t.log.Info("loaded cluster peers", "file", t.cfg.PeersFile, "peers", len(filtered))
	return nil
}

func (t *Transport) watchLoop(ctx context.Context) {
	defer t.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if err := t.loadPeers(); err != nil {
					t.log.Error("peers file reload failed", "error", err)
				}
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Error("peers watcher error", "error", err)
		}
	}
}

func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.done.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// A transient accept failure (per-connection handshake error,
			// fd pressure) must not end inbound replication for good.
			t.log.Error("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go t.readConn(conn)
	}
}

func (t *Transport) readConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg cluster.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.log.Error("discarding undecodable frame", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h.MessageReceived(msg)
		}
	}
}

func (t *Transport) SetHandler(h cluster.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) LocalMember() cluster.Member { return t.member }

func (t *Transport) Members() []cluster.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]cluster.Member, len(t.peers))
	copy(out, t.peers)
	return out
}

func (t *Transport) writeTo(ctx context.Context, peer cluster.Member, frame []byte) error {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return fmt.Errorf("dial %s (%s): %w", peer.Name, peer.Addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write to %s: %w", peer.Name, err)
	}
	return nil
}

func (t *Transport) frame(msg cluster.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster message: %w", err)
	}
	return append(data, '\n'), nil
}

func (t *Transport) sendFiltered(ctx context.Context, msg cluster.Message, keep func(cluster.Member) bool) error {
	frame, err := t.frame(msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, peer := range t.Members() {
		if !keep(peer) {
			continue
		}
		if err := t.writeTo(ctx, peer, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) Send(ctx context.Context, msg cluster.Message) error {
	return t.sendFiltered(ctx, msg, func(cluster.Member) bool { return true })
}

func (t *Transport) SendTo(ctx context.Context, msg cluster.Message, target cluster.Member) error {
	frame, err := t.frame(msg)
	if err != nil {
		return err
	}
	peer := target
	if peer.Addr == "" {
		found := false
		for _, p := range t.Members() {
			if p.Name == target.Name {
				peer, found = p, true
				break
			}
		}
		if !found {
			return fmt.Errorf("member %q not in peers file", target.Name)
		}
	}
	return t.writeTo(ctx, peer, frame)
}

func (t *Transport) SendToDomain(ctx context.Context, msg cluster.Message) error {
	return t.sendFiltered(ctx, msg, func(p cluster.Member) bool { return p.Domain == t.member.Domain })
}
