package differential

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/preflight"
	"github.com/kebairia/diffback/internal/wal"
)

// Coordinator dispatches a differential to the strategy registered for the
// database engine.
type Coordinator struct {
	strategies map[string]Strategy
	log        logger.Logger
}

// NewCoordinator returns a coordinator with no strategies registered.
func NewCoordinator(log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{strategies: map[string]Strategy{}, log: log}
}

// Register binds s to engine, replacing any earlier strategy.
func (c *Coordinator) Register(engine string, s Strategy) {
	c.strategies[engine] = s
}

// Engines lists the engines with a registered strategy.
func (c *Coordinator) Engines() []string {
	engines := make([]string, 0, len(c.strategies))
	for e := range c.strategies {
		engines = append(engines, e)
	}
	sort.Strings(engines)
	return engines
}

// Run executes the strategy for engine. Expected failures (no full backup,
// pre-flight, chain validation) are returned as is. Anything else,
// including a panic, is logged in full and surfaced as
// ErrDifferentialFailed.
func (c *Coordinator) Run(ctx context.Context, engine string, reader *catalog.Reader) (rec *catalog.Record, err error) {
	s, ok := c.strategies[engine]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEngine, engine)
	}
	log := c.log.With("engine", engine, "database", reader.Database())

	defer func() {
		if r := recover(); r != nil {
			log.Error("differential strategy panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			rec = nil
			err = fmt.Errorf("%w: %v", ErrDifferentialFailed, r)
		}
	}()

	rec, err = s.Backup(ctx, reader)
	if err == nil || expected(err) {
		return rec, err
	}
	log.Error("differential backup failed", "error", err, "detail", fmt.Sprintf("%+v", err))
	return rec, fmt.Errorf("%w: %w", ErrDifferentialFailed, err)
}

func expected(err error) bool {
	var verr *wal.ValidationError
	switch {
	case errors.Is(err, catalog.ErrNoFullBackup),
		errors.Is(err, ErrNoNewWAL),
		errors.Is(err, ErrSnapshotIncomplete),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &verr),
		preflight.IsError(err):
		return true
	}
	return false
}
