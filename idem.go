// Package idem resolves noisy source records into canonical entities and
// maintains the identity graph behind them.
//
// The root package is a thin facade over resolve, identity and storage: it
// wires a storage backend, the identity graph and an audit trail into a
// ready-to-use Resolver. Construct one with New for an in-memory graph,
// NewPostgres or NewRedis for a persistent one, or FromConfig to follow
// environment configuration.
package idem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"idem/audit"
	"idem/config"
	"idem/identity"
	"idem/resolve"
	"idem/storage"
)

// Resolver bundles the resolution service with the graph and audit stores it
// runs on. Resolve, Merge and the attribute operations are promoted from the
// embedded service; Graph and Audit stay exported for direct reads.
type Resolver struct {
	*resolve.Service

	// Graph gives direct access to entity, source-index and email-index reads.
	Graph *identity.Store
	// Audit serves per-entity trails of every recorded graph mutation.
	Audit audit.Store

	closers []func() error
}

// New builds a Resolver on the in-memory backend. Suitable for tests and
// single-process embedding; nothing survives the process.
func New(opts ...resolve.Option) *Resolver {
	return NewWithBackend(storage.NewInMemory(), opts...)
}

// NewWithBackend builds a Resolver on a caller-supplied storage backend with
// an in-memory audit trail. The caller keeps ownership of the backend's
// underlying connections.
func NewWithBackend(backend storage.Store, opts ...resolve.Option) *Resolver {
	graph := identity.NewStore(backend)
	trail := audit.NewInMemoryStore()
	return assemble(graph, trail, nil, opts)
}

// NewPostgres builds a Resolver persisting both the graph and the audit trail
// in Postgres, creating the tables when missing. The caller keeps ownership
// of db.
func NewPostgres(ctx context.Context, db *sql.DB, opts ...resolve.Option) (*Resolver, error) {
	backend := storage.NewPostgres(db)
	if err := backend.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate graph schema: %w", err)
	}
	trail := audit.NewPostgresStore(db)
	if err := trail.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return assemble(identity.NewStore(backend), trail, nil, opts), nil
}

// NewRedis builds a Resolver persisting the graph in Redis with an in-memory
// audit trail. The caller keeps ownership of client.
func NewRedis(client *redis.Client, opts ...resolve.Option) *Resolver {
	graph := identity.NewStore(storage.NewRedis(client))
	return assemble(graph, audit.NewInMemoryStore(), nil, opts)
}

// FromConfig dials the backend named by cfg and builds a Resolver on it,
// applying cfg's resolver tunables. Connections opened here are owned by the
// Resolver and released by Close. When cfg names Kafka brokers, audit events
// are published to the configured topic as well as the trail store.
func FromConfig(ctx context.Context, cfg config.Config, opts ...resolve.Option) (*Resolver, error) {
	var (
		graph   *identity.Store
		trail   audit.Store
		closers []func() error
	)

	switch cfg.Backend {
	case config.BackendMemory, "":
		graph = identity.NewStore(storage.NewInMemory())
		trail = audit.NewInMemoryStore()
	case config.BackendPostgres:
		db, err := storage.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		closers = append(closers, db.Close)
		backend := storage.NewPostgres(db)
		if err := backend.Migrate(ctx); err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("migrate graph schema: %w", err)
		}
		pgTrail := audit.NewPostgresStore(db)
		if err := pgTrail.Migrate(ctx); err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("migrate audit schema: %w", err)
		}
		graph = identity.NewStore(backend)
		trail = pgTrail
	case config.BackendRedis:
		client, err := storage.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("dial redis backend: %w", err)
		}
		closers = append(closers, client.Close)
		graph = identity.NewStore(storage.NewRedis(client))
		trail = audit.NewInMemoryStore()
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	var extra []audit.Emitter
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := audit.NewKafkaPublisher(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("dial kafka audit publisher: %w", err)
		}
		closers = append(closers, func() error {
			kafka.Close()
			return nil
		})
		extra = append(extra, kafka)
	}

	if cfg.MinConfidence > 0 {
		opts = append([]resolve.Option{resolve.WithMinConfidence(cfg.MinConfidence)}, opts...)
	}
	if cfg.BlockingThreshold > 0 {
		opts = append([]resolve.Option{resolve.WithBlockingThreshold(cfg.BlockingThreshold)}, opts...)
	}

	r := assemble(graph, trail, extra, opts)
	r.closers = closers
	return r, nil
}

// assemble wires the audit publisher chain and applies caller options last so
// they win over defaults.
func assemble(graph *identity.Store, trail audit.Store, extra []audit.Emitter, opts []resolve.Option) *Resolver {
	sinks := append([]audit.Emitter{audit.NewPublisher(trail)}, extra...)
	var publisher audit.Emitter = sinks[0]
	if len(sinks) > 1 {
		publisher = audit.NewFanout(sinks...)
	}
	svc := resolve.New(graph, append([]resolve.Option{resolve.WithAuditPublisher(publisher)}, opts...)...)
	return &Resolver{Service: svc, Graph: graph, Audit: trail}
}

// Close releases connections owned by the Resolver. Resolvers built over
// caller-supplied backends own nothing and Close is a no-op for them.
func (r *Resolver) Close() error {
	err := closeAll(r.closers)
	r.closers = nil
	return err
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
