package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kebairia/diffback/internal/config"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/process"
)

const (
	EnginePostgres = config.EnginePostgres

	MethodBaseBackup = "basebackup"
	MethodDump       = "dump"

	// BaseDirname holds pg_basebackup tar output inside a full backup.
	BaseDirname = "base"
	// WALBundle is the WAL tarball pg_basebackup -Ft -z writes next to base.tar.gz.
	WALBundle = "pg_wal.tar.gz"
)

// querier is the part of pgxpool.Pool the client uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres holds configuration for backing up a PostgreSQL database.
type Postgres struct {
	Name      string
	Username  string
	Password  string
	Database  string
	Host      string
	Port      string
	Method    string // "basebackup" or "dump"
	OutputDir string
	Timeout   time.Duration
	Logger    logger.Logger

	runner process.Runner
	mu     sync.Mutex
	pool   querier
}

var _ Database = (*Postgres)(nil)

// NewPostgres returns a Postgres configured from cfg plus any overrides.
func NewPostgres(cfg config.Config, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Host:      cfg.Postgres.Host,
		Port:      cfg.Postgres.Port,
		Method:    cfg.Postgres.Method,
		OutputDir: cfg.Backup.OutputDirectory,
		Timeout:   cfg.Backup.Timeout,
		Logger:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runner == nil {
		p.runner = process.NewExec(p.Logger)
	}
	if p.Method == "" {
		p.Method = MethodBaseBackup
	}
	return p
}

// WithPostgresName sets the configured instance name.
func WithPostgresName(name string) PostgresOption {
	return func(p *Postgres) {
		p.Name = name
	}
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresDatabase overrides the database name.
func WithPostgresDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithPostgresMethod selects the full backup method (basebackup/dump).
func WithPostgresMethod(method string) PostgresOption {
	return func(p *Postgres) {
		if method != "" {
			p.Method = method
		}
	}
}

// WithPostgresOutputDir overrides where backups are written.
func WithPostgresOutputDir(dir string) PostgresOption {
	return func(p *Postgres) {
		if dir != "" {
			p.OutputDir = dir
		}
	}
}

// WithPostgresTimeout bounds each backup command.
func WithPostgresTimeout(timeout time.Duration) PostgresOption {
	return func(p *Postgres) {
		if timeout > 0 {
			p.Timeout = timeout
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(log logger.Logger) PostgresOption {
	return func(p *Postgres) {
		if log != nil {
			p.Logger = log
		}
	}
}

// WithPostgresRunner replaces the process runner.
func WithPostgresRunner(r process.Runner) PostgresOption {
	return func(p *Postgres) {
		if r != nil {
			p.runner = r
		}
	}
}

func withPostgresQuerier(q querier) PostgresOption {
	return func(p *Postgres) {
		p.pool = q
	}
}

// Getters
func (p *Postgres) GetName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Database
}

func (p *Postgres) GetDatabase() string { return p.Database }

// GetEngine returns the engine name.
func (p *Postgres) GetEngine() string { return EnginePostgres }

// GetPath returns the per-database backup root.
func (p *Postgres) GetPath() string { return filepath.Join(p.OutputDir, p.Database) }

func (p *Postgres) BackupMethod() string { return p.Method }

// ConnString renders a pgx connection URL.
func (p *Postgres) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := u.Query()
	q.Set("application_name", "diffback")
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Postgres) conn(ctx context.Context) (querier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return p.pool, nil
	}
	pool, err := pgxpool.New(ctx, p.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres %s: %w", p.GetName(), err)
	}
	p.pool = pool
	return pool, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}

func (p *Postgres) queryRow(ctx context.Context, dest []any, sql string, args ...any) error {
	q, err := p.conn(ctx)
	if err != nil {
		return err
	}
	return q.QueryRow(ctx, sql, args...).Scan(dest...)
}

// Version returns server_version.
func (p *Postgres) Version(ctx context.Context) (string, error) {
	var v string
	if err := p.queryRow(ctx, []any{&v}, "SHOW server_version"); err != nil {
		return "", fmt.Errorf("query server version: %w", err)
	}
	return v, nil
}

// Setting returns a server setting such as wal_level or archive_mode.
func (p *Postgres) Setting(ctx context.Context, name string) (string, error) {
	var v string
	if err := p.queryRow(ctx, []any{&v}, "SELECT current_setting($1)", name); err != nil {
		return "", fmt.Errorf("query setting %s: %w", name, err)
	}
	return v, nil
}

// HasReplicationPrivilege reports whether the connected role may stream a
// base backup and switch WAL.
func (p *Postgres) HasReplicationPrivilege(ctx context.Context) (bool, error) {
	var ok bool
	err := p.queryRow(ctx, []any{&ok},
		"SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user")
	if err != nil {
		return false, fmt.Errorf("query replication privilege: %w", err)
	}
	return ok, nil
}

// Tables lists user tables with planner row estimates and on-disk size.
func (p *Postgres) Tables(ctx context.Context) ([]TableInfo, error) {
	q, err := p.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT n.nspname || '.' || c.relname AS name,
		       GREATEST(c.reltuples, 0)::bigint AS rows,
		       pg_total_relation_size(c.oid) AS size_bytes
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND n.nspname NOT LIKE 'pg_toast%'
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowToStructByName[TableInfo])
	if err != nil {
		return nil, fmt.Errorf("scan tables: %w", err)
	}
	return tables, nil
}

// TableExists resolves table, optionally schema-qualified, on the search path.
func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := p.queryRow(ctx, []any{&ok}, "SELECT to_regclass($1) IS NOT NULL", table); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return ok, nil
}

// CurrentWAL returns the current insert LSN and the segment file holding it.
func (p *Postgres) CurrentWAL(ctx context.Context) (lsn, segment string, err error) {
	err = p.queryRow(ctx, []any{&lsn, &segment},
		"SELECT pg_current_wal_lsn()::text, pg_walfile_name(pg_current_wal_lsn())")
	if err != nil {
		return "", "", fmt.Errorf("query current wal: %w", err)
	}
	return lsn, segment, nil
}

// SwitchWAL forces the server onto a new segment so the current one can be
// archived. It returns the LSN of the switch.
func (p *Postgres) SwitchWAL(ctx context.Context) (string, error) {
	var lsn string
	if err := p.queryRow(ctx, []any{&lsn}, "SELECT pg_switch_wal()::text"); err != nil {
		return "", fmt.Errorf("switch wal: %w", err)
	}
	p.Logger.Info("wal switched", "database", p.Database, "lsn", lsn)
	return lsn, nil
}

func (p *Postgres) env() []string {
	return []string{"PGPASSWORD=" + p.Password}
}

func (p *Postgres) connArgs() []string {
	return []string{"-h", p.Host, "-p", p.Port, "-U", p.Username}
}

func (p *Postgres) utility() string {
	if p.Method == MethodBaseBackup {
		return "pg_basebackup"
	}
	return "pg_dump"
}

// Utilities lists the binaries a full backup with the current method needs.
func (p *Postgres) Utilities() []string {
	if p.Method == MethodBaseBackup {
		return []string{"pg_basebackup", "pg_dump"}
	}
	return []string{"pg_dump", "zstd"}
}

// UtilityVersion returns the --version line of the capture utility.
func (p *Postgres) UtilityVersion(ctx context.Context) (string, error) {
	res, err := p.runner.Run(ctx, process.Command{Name: p.utility(), Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", p.utility(), err)
	}
	return firstLine(res.Stdout), nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, p.Timeout, ErrTimeout)
}

// DumpSchema runs pg_dump --schema-only into path.
func (p *Postgres) DumpSchema(ctx context.Context, path string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	args := append(p.connArgs(), "-d", p.Database, "--schema-only", "--no-owner", "-f", path)
	if _, err := p.runner.Run(ctx, process.Command{Name: "pg_dump", Args: args, Env: p.env()}); err != nil {
		return fmt.Errorf("dump schema: %w", err)
	}
	return nil
}

// FullBackup captures the cluster with pg_basebackup (tar format, streamed
// WAL) or the database with pg_dump piped through zstd.
func (p *Postgres) FullBackup(ctx context.Context, root string) (Artifact, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	log := p.Logger
	start := time.Now()
	log.Info("backup started",
		"database", p.Database,
		"engine", EnginePostgres,
		"method", p.Method,
		"path", root,
	)

	var target string
	switch p.Method {
	case MethodBaseBackup:
		target = filepath.Join(root, BaseDirname)
		args := append(p.connArgs(),
			"-D", target,
			"-Ft", "-z",
			"-Xstream",
			"--checkpoint=fast",
			"--label="+filepath.Base(root),
		)
		if _, err := p.runner.Run(ctx, process.Command{Name: "pg_basebackup", Args: args, Env: p.env()}); err != nil {
			return Artifact{}, fmt.Errorf("%w: pg_basebackup: %w", ErrBackupFailed, err)
		}
	case MethodDump:
		target = filepath.Join(root, p.Database+".sql.zst")
		dump := process.Command{
			Name: "pg_dump",
			Args: append(p.connArgs(), "-d", p.Database, "-Fp", "--no-owner"),
			Env:  p.env(),
		}
		if err := p.runner.Pipe(ctx, dump, zstdTo(target)); err != nil {
			return Artifact{}, fmt.Errorf("%w: pg_dump: %w", ErrBackupFailed, err)
		}
	default:
		return Artifact{}, fmt.Errorf("%w: unsupported method %q", ErrBackupFailed, p.Method)
	}

	size, err := DiskUsage(target)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat artifact: %w", ErrBackupFailed, err)
	}
	log.Info("backup completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"path", target,
		"duration", time.Since(start).String(),
	)
	return Artifact{Path: target, SizeBytes: size}, nil
}

// PartialBackup dumps only tables with pg_dump -t, compressed with zstd.
func (p *Postgres) PartialBackup(ctx context.Context, root string, tables []string) (Artifact, error) {
	if len(tables) == 0 {
		return Artifact{}, fmt.Errorf("%w: no tables", ErrBackupFailed)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	args := append(p.connArgs(), "-d", p.Database, "-Fp", "--no-owner")
	for _, t := range tables {
		args = append(args, "-t", t)
	}
	target := filepath.Join(root, p.Database+"_partial.sql.zst")
	dump := process.Command{Name: "pg_dump", Args: args, Env: p.env()}
	if err := p.runner.Pipe(ctx, dump, zstdTo(target)); err != nil {
		return Artifact{}, fmt.Errorf("%w: pg_dump: %w", ErrBackupFailed, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat artifact: %w", ErrBackupFailed, err)
	}
	return Artifact{Path: target, SizeBytes: info.Size()}, nil
}

// zstdTo compresses stdin into path.
func zstdTo(path string) process.Command {
	return process.Command{Name: "zstd", Args: []string{"-q", "-f", "-o", path}}
}
