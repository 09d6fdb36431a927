package goSession

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/goSession/internal/audit"
	"github.com/MrEthical07/goSession/internal/dispatch"
	"github.com/MrEthical07/goSession/repository"
	"github.com/MrEthical07/goSession/repository/boltstore"
	"github.com/MrEthical07/goSession/repository/memory"
	"github.com/MrEthical07/goSession/repository/redisstore"
	"github.com/MrEthical07/goSession/session"
)

// Builder assembles a [Manager]. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	repo   repository.Repository

	logger    *zerolog.Logger
	resolver  session.IdentityResolver
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder holding the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client of the redis backend. The caller keeps ownership:
// Manager.Close does not close it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithRepository supplies a ready backend, overriding Config.Repository entirely.
func (b *Builder) WithRepository(repo repository.Repository) *Builder {
	b.repo = repo
	return b
}

func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = &l
	return b
}

// WithIdentityResolver sets the resolver sessions use to rebuild principals.
func (b *Builder) WithIdentityResolver(r session.IdentityResolver) *Builder {
	b.resolver = r
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces time.Now for session timestamps and the memory backend.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, opens the repository backend when none was
// supplied and starts the worker pool and audit relay.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	var log zerolog.Logger
	if b.logger != nil {
		log = *b.logger
	} else {
		log = NewLogger(cfg.Logging, os.Stderr)
	}

	// -------- REPOSITORY --------
	repo, owned, err := b.openRepository(cfg, now)
	if err != nil {
		return nil, err
	}

	node := uuid.NewString()
	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		owned:    owned,
		log:      log.With().Str("node", node).Logger(),
		resolver: b.resolver,
		now:      now,
		node:     node,
		entropy:  newEntropy(),
		sessions: make(map[string]*session.Session),
	}

	m.pool = dispatch.NewPool(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	})
	m.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	m.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	m.log.Info().
		Str("backend", backendName(cfg, b)).
		Bool("sticky", cfg.Session.Sticky).
		Dur("lock_ttl", cfg.Session.LockTTL).
		Msg("session manager ready")
	return m, nil
}

func backendName(cfg Config, b *Builder) string {
	switch {
	case b.repo != nil:
		return fmt.Sprintf("%T", b.repo)
	case b.redis != nil:
		return BackendRedis
	default:
		return cfg.Repository.Backend
	}
}

func (b *Builder) openRepository(cfg Config, now func() time.Time) (repository.Repository, []func() error, error) {
	if b.repo != nil {
		return b.repo, nil, nil
	}
	if b.redis != nil {
		return redisstore.NewStore(b.redis, cfg.Repository.Prefix), nil, nil
	}

	switch cfg.Repository.Backend {
	case BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Repository.Addrs,
			Username: cfg.Repository.Username,
			Password: cfg.Repository.Password,
			DB:       cfg.Repository.DB,
		})
		return redisstore.NewStore(client, cfg.Repository.Prefix), []func() error{client.Close}, nil
	case BackendMemory:
		return memory.NewRepository(memory.WithClock(now)), nil, nil
	case BackendBolt:
		store, err := boltstore.NewRepositoryFromFile(cfg.Repository.BoltPath, nil, boltstore.WithClock(now))
		if err != nil {
			return nil, nil, err
		}
		return store, []func() error{store.Close}, nil
	}
	return nil, nil, errors.Join(ErrRepositoryRequired, fmt.Errorf("unsupported backend %q", cfg.Repository.Backend))
}
