package sessions

import (
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/sessionmesh/sessionmesh/internal/clock"
)

// SessionListener observes local session lifecycle events. Whether replicated
// changes fire it is controlled by NotifySessionListenersOnReplication.
type SessionListener interface {
	SessionCreated(s *Session)
	SessionExpired(s *Session)
}

// AttributeListener observes attribute changes. Whether replicated changes
// fire it is controlled by NotifyListenersOnReplication.
type AttributeListener interface {
	AttributeSet(s *Session, name string, value any)
	AttributeRemoved(s *Session, name string)
}

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
}

// Config configures a replication Manager. The env tags allow population via
// ConfigFromEnv; zero values fall back to the documented defaults.
type Config struct {
	// MaxActiveSessions caps local session creation; -1 means unbounded.
	MaxActiveSessions int `env:"SESSIONMESH_MAX_ACTIVE_SESSIONS,default=-1"`

	// MaxInactiveInterval is the default idle timeout (seconds) assigned to
	// new sessions; -1 means never expire.
	MaxInactiveInterval int `env:"SESSIONMESH_MAX_INACTIVE_INTERVAL,default=1800"`

	// StateTransferTimeout bounds the startup wait for a full state transfer,
	// in seconds. -1 waits forever, 0 skips the wait entirely.
	StateTransferTimeout int `env:"SESSIONMESH_STATE_TRANSFER_TIMEOUT,default=60"`

	// SendAllSessions sends the whole snapshot in one message instead of
	// chunking it.
	SendAllSessions bool `env:"SESSIONMESH_SEND_ALL_SESSIONS,default=false"`

	// SendAllSessionsSize is the chunk size when chunking.
	SendAllSessionsSize int `env:"SESSIONMESH_SEND_ALL_SESSIONS_SIZE,default=1000"`

	// SendAllSessionsWaitTime paces chunked sends.
	SendAllSessionsWaitTime time.Duration `env:"SESSIONMESH_SEND_ALL_SESSIONS_WAIT,default=2s"`

	// NotifyListenersOnReplication fires attribute listeners when a
	// replicated change is applied locally.
	NotifyListenersOnReplication bool `env:"SESSIONMESH_NOTIFY_LISTENERS_ON_REPLICATION,default=false"`

	// NotifySessionListenersOnReplication fires session listeners when a
	// replicated lifecycle event is applied locally.
	NotifySessionListenersOnReplication bool `env:"SESSIONMESH_NOTIFY_SESSION_LISTENERS_ON_REPLICATION,default=false"`

	// NotifyContainerListenersOnReplication fires the id-change callback when
	// a replicated id change is applied locally.
	NotifyContainerListenersOnReplication bool `env:"SESSIONMESH_NOTIFY_CONTAINER_LISTENERS_ON_REPLICATION,default=true"`

	// DomainReplication scopes sends and inbound dispatch to members sharing
	// the local member's domain.
	DomainReplication bool `env:"SESSIONMESH_DOMAIN_REPLICATION,default=false"`

	// StateTimestampDrop discards buffered bootstrap messages older than the
	// state-transfer watermark. The comparison is wall-clock based, so clock
	// skew between nodes can over- or under-drop.
	StateTimestampDrop bool `env:"SESSIONMESH_STATE_TIMESTAMP_DROP,default=true"`

	// ExpireSessionsOnShutdown force-expires all local sessions, with cluster
	// notification, when the manager stops.
	ExpireSessionsOnShutdown bool `env:"SESSIONMESH_EXPIRE_SESSIONS_ON_SHUTDOWN,default=false"`

	// Codec encodes attribute values; defaults to GobCodec.
	Codec Codec

	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics MetricsSink

	SessionListener   SessionListener
	AttributeListener AttributeListener

	// IDChangeListener is invoked after a session id rebind with the old and
	// new ids.
	IDChangeListener func(oldID, newID string)
}

// DefaultConfig returns the documented defaults. Zero values kept by
// applyDefaults are meaningful (MaxActiveSessions=0 rejects every creation,
// StateTransferTimeout=0 skips the bootstrap wait), so callers hand-building
// a Config should start from here.
func DefaultConfig() Config {
	return Config{
		MaxActiveSessions:                     -1,
		MaxInactiveInterval:                   1800,
		StateTransferTimeout:                  60,
		SendAllSessionsSize:                   1000,
		SendAllSessionsWaitTime:               2 * time.Second,
		StateTimestampDrop:                    true,
		NotifyContainerListenersOnReplication: true,
	}
}

// applyDefaults fills the fields whose zero value has no meaning of its own.
// SendAllSessionsSize must stay positive or the snapshot chunk loop cannot
// advance, so anything below 1 is replaced as well.
func (c *Config) applyDefaults() {
	if c.SendAllSessionsSize < 1 {
		c.SendAllSessionsSize = 1000
	}
	if c.MaxInactiveInterval == 0 {
		c.MaxInactiveInterval = 1800
	}
	if c.Codec == nil {
		c.Codec = GobCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// ConfigFromEnv populates a Config from the environment; the struct tag
// defaults cover unset variables.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cfg.applyDefaults()
	return cfg
}
