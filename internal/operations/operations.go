package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/config"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/preflight"
	"github.com/kebairia/diffback/internal/process"
)

// Manager runs backups of configured instances and records them in the
// catalog.
type Manager struct {
	cfg         config.Config
	catalog     *catalog.Catalog
	recorder    *catalog.Recorder
	credentials database.CredentialSource
	runner      process.Runner
	log         logger.Logger
	msg         messenger.Messenger

	requireUtilities func(names ...string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handed to every component.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMessenger sets the operator console.
func WithMessenger(msg messenger.Messenger) Option {
	return func(m *Manager) {
		if msg != nil {
			m.msg = msg
		}
	}
}

// WithCredentials sets where Vault-backed instances lease their logins.
func WithCredentials(src database.CredentialSource) Option {
	return func(m *Manager) {
		m.credentials = src
	}
}

// WithRunner replaces the process runner used by engine clients.
func WithRunner(r process.Runner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// NewManager opens the catalog named in cfg.
func NewManager(cfg config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:              cfg,
		log:              logger.NewNop(),
		msg:              messenger.Discard(),
		requireUtilities: preflight.RequireUtilities,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = process.NewExec(m.log)
	}

	cat, err := catalog.Open(cfg.Catalog.Path, catalog.WithLogger(m.log))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	m.catalog = cat
	m.recorder = catalog.NewRecorder(cat, m.log)
	return m, nil
}

// Catalog returns the catalog backups are recorded in.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Open resolves a configured instance by name and builds its client.
func (m *Manager) Open(ctx context.Context, name string) (database.Database, error) {
	inst, err := m.cfg.FindInstance(name)
	if err != nil {
		return nil, err
	}
	return database.Open(ctx, m.cfg, inst, database.Deps{
		Logger:      m.log,
		Runner:      m.runner,
		Credentials: m.credentials,
	})
}

// History returns the newest records of db, newest first.
func (m *Manager) History(db string, limit int) []catalog.Record {
	return catalog.NewReader(m.catalog, db, m.log).History(limit)
}
