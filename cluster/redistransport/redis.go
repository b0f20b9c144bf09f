// Package redistransport implements cluster.Transport over Redis pub/sub.
// Every node subscribes to a cluster-wide channel, a per-domain channel, and
// a per-node channel; membership is advertised through TTL-refreshed member
// keys, so a crashed node falls out of the view once its key expires.
package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sessionmesh/sessionmesh/cluster"
)

// Config contains configuration options for the Redis transport. Defaults can
// be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: SESSIONMESH_REDIS_ADDR
	RedisAddr string `env:"SESSIONMESH_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all Redis keys and channels.
	KeyPrefix string `env:"SESSIONMESH_REDIS_PREFIX,default=sessionmesh:"`
	// NodeName identifies this member; a random name is generated if empty.
	NodeName string `env:"SESSIONMESH_NODE_NAME"`
	// Domain groups members for domain-scoped replication; may be empty.
	Domain string `env:"SESSIONMESH_DOMAIN"`
	// HeartbeatInterval refreshes this node's member key.
	HeartbeatInterval time.Duration `env:"SESSIONMESH_HEARTBEAT_INTERVAL,default=2s"`
	// MemberTTL is the member key expiry; a node missing this many seconds of
	// heartbeats leaves the membership view.
	MemberTTL time.Duration `env:"SESSIONMESH_MEMBER_TTL,default=10s"`

	// Client is the Redis client to use. If nil, a default client is created
	// against RedisAddr.
	Client redis.UniversalClient

	Logger *slog.Logger
}

// Transport implements cluster.Transport over Redis pub/sub.
type Transport struct {
	client redis.UniversalClient
	prefix string
	member cluster.Member
	log    *slog.Logger

	heartbeatInterval time.Duration
	memberTTL         time.Duration

	mu      sync.RWMutex
	handler cluster.Handler

	cancel context.CancelFunc
	done   sync.WaitGroup
}

var _ cluster.Transport = (*Transport)(nil)

// New creates a Redis transport. Call Start to join the cluster.
func New(cfg Config) (*Transport, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessionmesh:"
	}
	name := cfg.NodeName
	if name == "" {
		name = "node-" + uuid.NewString()
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 2 * time.Second
	}
	ttl := cfg.MemberTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:            client,
		prefix:            prefix,
		member:            cluster.Member{Name: name, Domain: cfg.Domain},
		log:               logger,
		heartbeatInterval: hb,
		memberTTL:         ttl,
	}, nil
}

// NewFromEnv builds a Transport using envdecode to populate Config.
func NewFromEnv() (*Transport, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (t *Transport) broadcastChannel() string      { return t.prefix + "bcast" }
func (t *Transport) domainChannel(d string) string { return t.prefix + "domain:" + d }
func (t *Transport) nodeChannel(n string) string   { return t.prefix + "node:" + n }
func (t *Transport) memberKey(n string) string     { return t.prefix + "member:" + n }

// Start subscribes to the node's channels and begins heartbeating. It returns
// once the subscriptions are confirmed.
func (t *Transport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	channels := []string{t.broadcastChannel(), t.nodeChannel(t.member.Name)}
	if t.member.Domain != "" {
		channels = append(channels, t.domainChannel(t.member.Domain))
	}
	sub := t.client.Subscribe(runCtx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}

	if err := t.heartbeat(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}

	t.done.Add(2)
	go t.receiveLoop(runCtx, sub)
	go t.heartbeatLoop(runCtx)
	return nil
}

// Close leaves the cluster: the member key is removed and the subscriptions
// are torn down.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.done.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = t.client.Del(ctx, t.memberKey(t.member.Name)).Err()
	return nil
}

func (t *Transport) receiveLoop(ctx context.Context, sub *redis.PubSub) {
	defer t.done.Done()
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg cluster.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.log.Error("discarding undecodable cluster message", "channel", m.Channel, "error", err)
				continue
			}
			if msg.Origin == t.member.Name {
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
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer t.done.Done()
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.heartbeat(ctx); err != nil && ctx.Err() == nil {
				t.log.Error("membership heartbeat failed", "error", err)
			}
		}
	}
}

func (t *Transport) heartbeat(ctx context.Context) error {
	data, err := json.Marshal(t.member)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.memberKey(t.member.Name), data, t.memberTTL).Err()
}

func (t *Transport) SetHandler(h cluster.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) LocalMember() cluster.Member { return t.member }

// Members scans the member keys. The view is eventually consistent: a node is
// visible while its TTL-refreshed key lives.
func (t *Transport) Members() []cluster.Member {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []cluster.Member
	iter := t.client.Scan(ctx, 0, t.memberKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var member cluster.Member
		if err := json.Unmarshal(raw, &member); err != nil {
			t.log.Error("discarding undecodable member record", "key", iter.Val(), "error", err)
			continue
		}
		if member.Name == t.member.Name {
			continue
		}
		out = append(out, member)
	}
	if err := iter.Err(); err != nil {
		t.log.Error("member scan failed", "error", err)
	}
	return out
}

func (t *Transport) publish(ctx context.Context, channel string, msg cluster.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, msg cluster.Message) error {
	return t.publish(ctx, t.broadcastChannel(), msg)
}

func (t *Transport) SendTo(ctx context.Context, msg cluster.Message, target cluster.Member) error {
	return t.publish(ctx, t.nodeChannel(target.Name), msg)
}

func (t *Transport) SendToDomain(ctx context.Context, msg cluster.Message) error {
	if t.member.Domain == "" {
		return t.Send(ctx, msg)
	}
	return t.publish(ctx, t.domainChannel(t.member.Domain), msg)
}
