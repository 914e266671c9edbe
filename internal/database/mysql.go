package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kebairia/diffback/internal/config"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/process"
)

const (
	EngineMySQL = config.EngineMySQL

	MethodXtraBackup = "xtrabackup"

	// SnapshotDirname holds xtrabackup output inside a backup directory.
	SnapshotDirname = "snapshot"
	// CheckpointsFile is written by xtrabackup once a backup is complete.
	CheckpointsFile = "xtrabackup_checkpoints"
)

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL holds configuration for backing up a MySQL-family database.
type MySQL struct {
	Name       string
	Username   string
	Password   string
	Database   string
	Host       string
	Port       string
	Method     string // "xtrabackup" or "dump"
	OutputDir  string
	Timeout    time.Duration
	XtraBinary string
	Parallel   int
	Logger     logger.Logger

	runner process.Runner
	mu     sync.Mutex
	db     *sql.DB
}

var _ Database = (*MySQL)(nil)

// NewMySQL returns a MySQL configured from cfg plus any overrides.
func NewMySQL(cfg config.Config, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		Host:       cfg.MySQL.Host,
		Port:       cfg.MySQL.Port,
		Method:     cfg.MySQL.Method,
		OutputDir:  cfg.Backup.OutputDirectory,
		Timeout:    cfg.Backup.Timeout,
		XtraBinary: cfg.MySQL.XtraBackup.Binary,
		Parallel:   cfg.MySQL.XtraBackup.Parallel,
		Logger:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = process.NewExec(m.Logger)
	}
	if m.Method == "" {
		m.Method = MethodDump
	}
	if m.XtraBinary == "" {
		m.XtraBinary = "xtrabackup"
	}
	return m
}

// WithMySQLName sets the configured instance name.
func WithMySQLName(name string) MySQLOption {
	return func(m *MySQL) {
		m.Name = name
	}
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLDatabase sets the database name.
func WithMySQLDatabase(db string) MySQLOption {
	return func(m *MySQL) {
		if db != "" {
			m.Database = db
		}
	}
}

// WithMySQLMethod selects the full backup method (xtrabackup/dump).
func WithMySQLMethod(method string) MySQLOption {
	return func(m *MySQL) {
		if method != "" {
			m.Method = method
		}
	}
}

// WithMySQLOutputDir overrides where backups are written.
func WithMySQLOutputDir(dir string) MySQLOption {
	return func(m *MySQL) {
		if dir != "" {
			m.OutputDir = dir
		}
	}
}

// WithMySQLTimeout bounds each backup command.
func WithMySQLTimeout(timeout time.Duration) MySQLOption {
	return func(m *MySQL) {
		if timeout > 0 {
			m.Timeout = timeout
		}
	}
}

// WithMySQLLogger sets the logger.
func WithMySQLLogger(log logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if log != nil {
			m.Logger = log
		}
	}
}

// WithMySQLRunner replaces the process runner.
func WithMySQLRunner(r process.Runner) MySQLOption {
	return func(m *MySQL) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithMySQLDB uses an already opened handle instead of dialing.
func WithMySQLDB(db *sql.DB) MySQLOption {
	return func(m *MySQL) {
		m.db = db
	}
}

// GetName returns the instance name.
func (m *MySQL) GetName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Database
}

func (m *MySQL) GetDatabase() string { return m.Database }

// GetEngine returns engine name.
func (m *MySQL) GetEngine() string { return EngineMySQL }

// GetPath returns the per-database backup root.
func (m *MySQL) GetPath() string { return filepath.Join(m.OutputDir, m.Database) }

func (m *MySQL) BackupMethod() string { return m.Method }

// DSN renders a go-sql-driver connection string.
func (m *MySQL) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = m.Username
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.Host, m.Port)
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

func (m *MySQL) conn() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}
	db, err := sql.Open("mysql", m.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql %s: %w", m.GetName(), err)
	}
	db.SetMaxOpenConns(2)
	m.db = db
	return db, nil
}

// Close closes the database handle.
func (m *MySQL) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		_ = m.db.Close()
		m.db = nil
	}
}

// Version returns SELECT VERSION().
func (m *MySQL) Version(ctx context.Context) (string, error) {
	db, err := m.conn()
	if err != nil {
		return "", err
	}
	var v string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&v); err != nil {
		return "", fmt.Errorf("query server version: %w", err)
	}
	return v, nil
}

// Tables lists base tables of the database with their row estimates and size.
func (m *MySQL) Tables(ctx context.Context) ([]TableInfo, error) {
	db, err := m.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COALESCE(TABLE_ROWS, 0), COALESCE(DATA_LENGTH + INDEX_LENGTH, 0)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, m.Database)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Name, &t.Rows, &t.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// TableExists checks information_schema for table in the database.
func (m *MySQL) TableExists(ctx context.Context, table string) (bool, error) {
	db, err := m.conn()
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		m.Database, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (m *MySQL) env() []string {
	return []string{"MYSQL_PWD=" + m.Password}
}

func (m *MySQL) connArgs() []string {
	return []string{"-h", m.Host, "-P", m.Port, "-u", m.Username}
}

func (m *MySQL) utility() string {
	if m.Method == MethodXtraBackup {
		return m.XtraBinary
	}
	return "mysqldump"
}

// Utilities lists the binaries a full backup with the current method needs.
func (m *MySQL) Utilities() []string {
	if m.Method == MethodXtraBackup {
		return []string{m.XtraBinary, "mysqldump"}
	}
	return []string{"mysqldump", "zstd"}
}

// UtilityVersion returns the --version line of the capture utility.
// xtrabackup prints it on stderr.
func (m *MySQL) UtilityVersion(ctx context.Context) (string, error) {
	res, err := m.runner.Run(ctx, process.Command{Name: m.utility(), Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", m.utility(), err)
	}
	if v := firstLine(res.Stdout); v != "" {
		return v, nil
	}
	return firstLine(res.Stderr), nil
}

func (m *MySQL) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, m.Timeout, ErrTimeout)
}

// DumpSchema runs mysqldump --no-data into path.
func (m *MySQL) DumpSchema(ctx context.Context, path string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	args := append(m.connArgs(), "--no-data", "--routines", "--triggers", "--result-file="+path, m.Database)
	if _, err := m.runner.Run(ctx, process.Command{Name: "mysqldump", Args: args, Env: m.env()}); err != nil {
		return fmt.Errorf("dump schema: %w", err)
	}
	return nil
}

// XtraBackupCommand builds an xtrabackup --backup invocation into target.
// Extra flags such as --incremental-basedir are appended as given.
func (m *MySQL) XtraBackupCommand(target string, extra ...string) process.Command {
	args := []string{
		"--backup",
		"--target-dir=" + target,
		"--host=" + m.Host,
		"--port=" + m.Port,
		"--user=" + m.Username,
	}
	if m.Parallel > 1 {
		args = append(args, "--parallel="+strconv.Itoa(m.Parallel))
	}
	args = append(args, extra...)
	return process.Command{Name: m.XtraBinary, Args: args, Env: m.env()}
}

// Runner exposes the process runner used for this instance.
func (m *MySQL) Runner() process.Runner { return m.runner }

// FullBackup takes an xtrabackup snapshot or a mysqldump piped into zstd.
func (m *MySQL) FullBackup(ctx context.Context, root string) (Artifact, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	m.Logger.Info("backup started",
		"database", m.Database,
		"engine", EngineMySQL,
		"method", m.Method,
		"path", root,
	)

	var target string
	switch m.Method {
	case MethodXtraBackup:
		target = filepath.Join(root, SnapshotDirname)
		if _, err := m.runner.Run(ctx, m.XtraBackupCommand(target)); err != nil {
			return Artifact{}, fmt.Errorf("%w: xtrabackup: %w", ErrBackupFailed, err)
		}
		if _, err := os.Stat(filepath.Join(target, CheckpointsFile)); err != nil {
			return Artifact{}, fmt.Errorf("%w: xtrabackup left no %s", ErrBackupFailed, CheckpointsFile)
		}
	case MethodDump:
		target = filepath.Join(root, m.Database+".sql.zst")
		dump := process.Command{
			Name: "mysqldump",
			Args: append(m.connArgs(), "--single-transaction", "--routines", "--triggers", m.Database),
			Env:  m.env(),
		}
		if err := m.runner.Pipe(ctx, dump, zstdTo(target)); err != nil {
			return Artifact{}, fmt.Errorf("%w: mysqldump: %w", ErrBackupFailed, err)
		}
	default:
		return Artifact{}, fmt.Errorf("%w: unsupported method %q", ErrBackupFailed, m.Method)
	}

	size, err := DiskUsage(target)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat artifact: %w", ErrBackupFailed, err)
	}
	m.Logger.Info("backup completed", "database", m.Database, "duration", time.Since(start).String())
	return Artifact{Path: target, SizeBytes: size}, nil
}

// PartialBackup dumps the given tables with mysqldump, compressed with zstd.
func (m *MySQL) PartialBackup(ctx context.Context, root string, tables []string) (Artifact, error) {
	if len(tables) == 0 {
		return Artifact{}, fmt.Errorf("%w: no tables", ErrBackupFailed)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	args := append(m.connArgs(), "--single-transaction", m.Database)
	args = append(args, tables...)
	target := filepath.Join(root, m.Database+"_partial.sql.zst")
	dump := process.Command{Name: "mysqldump", Args: args, Env: m.env()}
	if err := m.runner.Pipe(ctx, dump, zstdTo(target)); err != nil {
		return Artifact{}, fmt.Errorf("%w: mysqldump: %w", ErrBackupFailed, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat artifact: %w", ErrBackupFailed, err)
	}
	return Artifact{Path: target, SizeBytes: info.Size()}, nil
}
