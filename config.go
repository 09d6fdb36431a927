package goSession

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration of a session [Manager].
//
// Config values are copied by the [Builder]; mutating a Config after Build has no effect.
type Config struct {
	Repository RepositoryConfig
	Session    SessionConfig
	Dispatch   DispatchConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Logging    LoggingConfig
}

/*
====================================
REPOSITORY CONFIG
====================================
*/

// Repository backends understood by the Builder.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
)

// RepositoryConfig selects and addresses the store holding the authoritative copy of
// every session.
type RepositoryConfig struct {
	Backend string

	// Redis
	Addrs    []string
	Username string
	Password string
	DB       int
	Prefix   string

	// bbolt
	BoltPath string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls locking and persistence policy.
type SessionConfig struct {
	// Sticky declares that a load balancer pins each session to one node.
	Sticky bool
	// LockTTL bounds how long a repository lock survives a crashed holder.
	LockTTL time.Duration
	// MaxAccessTimeNotSaving forces a full save of a read-only session once its
	// stored access time lags this far behind.
	MaxAccessTimeNotSaving time.Duration
	// OperationTimeout is the deadline of every remote operation.
	OperationTimeout time.Duration
	// MaxInactiveInterval is the idle timeout of new sessions and the record TTL.
	MaxInactiveInterval time.Duration
	// WaitTimeout bounds waits for an in-flight operation. Zero means twice
	// OperationTimeout.
	WaitTimeout time.Duration
	// SweepInterval is the period of the background expiration pass.
	SweepInterval time.Duration
}

// EffectiveWaitTimeout resolves the zero default of WaitTimeout.
func (c SessionConfig) EffectiveWaitTimeout() time.Duration {
	if c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	return 2 * c.OperationTimeout
}

/*
====================================
DISPATCH CONFIG
====================================
*/

// DispatchConfig sizes the worker pool running asynchronous persistence.
type DispatchConfig struct {
	Workers   int
	QueueSize int
}

// AuditConfig controls the audit event relay.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
LOGGING CONFIG
====================================
*/

// LoggingConfig configures the default zerolog logger used when the Builder is not
// given one.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error, disabled
	Format string // json or console
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Repository: RepositoryConfig{
			Backend: BackendRedis,
			Addrs:   []string{"localhost:6379"},
			Prefix:  "gs",
		},
		Session: SessionConfig{
			Sticky:                 false,
			LockTTL:                30 * time.Second,
			MaxAccessTimeNotSaving: 5 * time.Minute,
			OperationTimeout:       30 * time.Second,
			MaxInactiveInterval:    30 * time.Minute,
			WaitTimeout:            0,
			SweepInterval:          time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Repository.Addrs != nil {
		out.Repository.Addrs = append([]string(nil), cfg.Repository.Addrs...)
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	// Repository
	switch c.Repository.Backend {
	case BackendRedis:
		if len(c.Repository.Addrs) == 0 {
			return errors.New("Repository Addrs must not be empty for the redis backend")
		}
		if c.Repository.DB < 0 {
			return errors.New("Repository DB must be >= 0")
		}
	case BackendBolt:
		if c.Repository.BoltPath == "" {
			return errors.New("Repository BoltPath is required for the bbolt backend")
		}
	case BackendMemory:
		// valid
	default:
		return fmt.Errorf("unsupported Repository Backend %q", c.Repository.Backend)
	}
	if strings.ContainsAny(c.Repository.Prefix, "{}") {
		return errors.New("Repository Prefix must not contain hash tag braces")
	}

	// Session
	if c.Session.LockTTL <= 0 {
		return errors.New("Session LockTTL must be > 0")
	}
	if c.Session.OperationTimeout <= 0 {
		return errors.New("Session OperationTimeout must be > 0")
	}
	if c.Session.MaxAccessTimeNotSaving < 0 {
		return errors.New("Session MaxAccessTimeNotSaving must be >= 0")
	}
	if c.Session.WaitTimeout < 0 {
		return errors.New("Session WaitTimeout must be >= 0")
	}
	if c.Session.SweepInterval < 0 {
		return errors.New("Session SweepInterval must be >= 0")
	}

	// Dispatch
	if c.Dispatch.Workers <= 0 {
		return errors.New("Dispatch Workers must be > 0")
	}
	if c.Dispatch.QueueSize < 0 {
		return errors.New("Dispatch QueueSize must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Logging
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "json", "console":
		// valid
	default:
		return errors.New("Logging Format must be 'json' or 'console'")
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning is a configuration that is valid but probably unintended.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

// Lint reports suspicious but valid settings.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, msg string) {
		ws = append(ws, LintWarning{Code: code, Message: msg})
	}

	if c.Session.LockTTL < c.Session.OperationTimeout {
		add("lock_ttl_below_operation_timeout",
			"LockTTL is shorter than OperationTimeout; a slow save can outlive its lock")
	}
	if w := c.Session.WaitTimeout; w > 0 && w < c.Session.OperationTimeout {
		add("wait_timeout_below_operation_timeout",
			"WaitTimeout is shorter than OperationTimeout; waiters will force reloads while saves are still running")
	}
	if c.Session.MaxInactiveInterval > 0 && c.Session.MaxAccessTimeNotSaving >= c.Session.MaxInactiveInterval {
		add("touch_window_exceeds_idle_timeout",
			"MaxAccessTimeNotSaving is not shorter than MaxInactiveInterval; stored access times can go stale")
	}
	if c.Session.MaxInactiveInterval <= 0 {
		add("sessions_never_expire", "MaxInactiveInterval <= 0 keeps records forever")
	}
	if c.Session.SweepInterval == 0 {
		add("sweeper_disabled", "SweepInterval is 0; expired sessions are only dropped when touched")
	}
	if c.Session.Sticky && c.Repository.Backend == BackendMemory {
		add("sticky_memory_backend", "sticky mode over the memory backend loses every session on restart")
	}
	if !c.Session.Sticky && c.Repository.Backend == BackendBolt {
		add("bolt_non_sticky", "the bbolt backend is single-node; non-sticky mode only adds lock traffic")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", "audit events are disabled")
	}
	return ws
}
