package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// ErrUnknownInstance is returned when no engine declares the requested instance.
var ErrUnknownInstance = errors.New("unknown database instance")

const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"

	// envPrefix namespaces environment overrides, e.g. DIFFBACK_CATALOG_PATH.
	envPrefix = "DIFFBACK"
)

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string      `mapstructure:"include" yaml:"include,omitempty"`
	Backup  BackupConfig  `mapstructure:"backup"  yaml:"backup"`
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`
	Log     LogConfig     `mapstructure:"log"     yaml:"log"`
	Vault   VaultConfig   `mapstructure:"vault"   yaml:"vault"`

	// Per-engine groups
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"    yaml:"mysql"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	OutputDirectory string        `mapstructure:"output_directory" yaml:"output_directory"`
	Compress        bool          `mapstructure:"compress"         yaml:"compress"`
	Archive         bool          `mapstructure:"archive"          yaml:"archive"`
	TimestampFormat string        `mapstructure:"timestamp_format" yaml:"timestamp_format"`
	Timeout         time.Duration `mapstructure:"timeout"          yaml:"timeout"`
}

// CatalogConfig locates the backup catalog document.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level       string   `mapstructure:"level"        yaml:"level"`
	Development bool     `mapstructure:"development"  yaml:"development"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault. Vault is only
// contacted when an instance declares a role_name.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
}

// EngineDefaults provides common settings for a DB engine.
type EngineDefaults struct {
	Host     string        `mapstructure:"host"     yaml:"host,omitempty"`
	Port     string        `mapstructure:"port"     yaml:"port,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout"  yaml:"timeout,omitempty"`
	Compress bool          `mapstructure:"compress" yaml:"compress,omitempty"`
	Method   string        `mapstructure:"method"   yaml:"method,omitempty"`
}

// DBGroupConfig groups common engine settings and Vault prefixes.
type DBGroupConfig struct {
	EngineDefaults `mapstructure:",squash" yaml:",inline"` // inline and squash host, port, timeout, compress, method

	Vault     VaultPaths   `mapstructure:"vault"     yaml:"vault"`
	Instances []DBInstance `mapstructure:"instances" yaml:"instances"`
}

// PostgresConfig adds WAL archiving settings used by differential backups.
type PostgresConfig struct {
	DBGroupConfig `mapstructure:",squash" yaml:",inline"`

	WAL WALConfig `mapstructure:"wal" yaml:"wal"`
}

// WALConfig describes where the server archives WAL segments.
type WALConfig struct {
	ArchiveDirectory string        `mapstructure:"archive_directory" yaml:"archive_directory"`
	SegmentSize      int64         `mapstructure:"segment_size"      yaml:"segment_size"`
	ArchiveWait      time.Duration `mapstructure:"archive_wait"      yaml:"archive_wait"`
}

// MySQLConfig adds the xtrabackup settings used by snapshot backups.
type MySQLConfig struct {
	DBGroupConfig `mapstructure:",squash" yaml:",inline"`

	XtraBackup XtraBackupConfig `mapstructure:"xtrabackup" yaml:"xtrabackup"`
}

// XtraBackupConfig tunes the xtrabackup invocation.
type XtraBackupConfig struct {
	Binary   string `mapstructure:"binary"   yaml:"binary"`
	Parallel int    `mapstructure:"parallel" yaml:"parallel"`
}

// VaultPaths holds the KV and role prefixes under the Vault mount.
type VaultPaths struct {
	KVBase   string `mapstructure:"kv_base"   yaml:"kv_base"`
	RoleBase string `mapstructure:"role_base" yaml:"role_base"`
}

// DBInstance represents a single database within a group. Credentials come
// either from Vault (role_name for a leased login, secret_name for a KV
// secret under kv_base) or from username plus the environment variable
// named by password_env.
type DBInstance struct {
	Name        string `mapstructure:"name"         yaml:"name"`
	Host        string `mapstructure:"host"         yaml:"host,omitempty"`
	Port        string `mapstructure:"port"         yaml:"port,omitempty"`
	Database    string `mapstructure:"database"     yaml:"database,omitempty"`
	Username    string `mapstructure:"username"     yaml:"username,omitempty"`
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env,omitempty"`
	RoleName    string `mapstructure:"role_name"    yaml:"role_name,omitempty"`
	SecretName  string `mapstructure:"secret_name"  yaml:"secret_name,omitempty"`
	Method      string `mapstructure:"method"       yaml:"method,omitempty"`
	Compress    bool   `mapstructure:"compress"     yaml:"compress,omitempty"`
}

var methods = map[string][]string{
	EnginePostgres: {"basebackup", "dump"},
	EngineMySQL:    {"xtrabackup", "dump"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backup.output_directory", "./backups")
	v.SetDefault("backup.compress", true)
	v.SetDefault("backup.archive", false)
	v.SetDefault("backup.timestamp_format", "20060102_150405")
	v.SetDefault("backup.timeout", time.Hour)
	v.SetDefault("catalog.path", "backup_catalog.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.method", "basebackup")
	v.SetDefault("postgres.wal.segment_size", int64(16*1024*1024))
	v.SetDefault("postgres.wal.archive_wait", 30*time.Second)

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", "3306")
	v.SetDefault("mysql.method", "dump")
	v.SetDefault("mysql.xtrabackup.binary", "xtrabackup")
	v.SetDefault("mysql.xtrabackup.parallel", 1)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, applies DIFFBACK_* environment overrides,
// unmarshals into the Config struct and validates the result.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any), relative to the base file
	for _, inc := range v.GetStringSlice("include") {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.Validate()
}

// Validate checks the invariants the backup commands rely on.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.OutputDirectory == "" {
		errs = append(errs, errors.New("backup.output_directory is required"))
	}
	if !strings.HasSuffix(c.Catalog.Path, ".json") {
		errs = append(errs, fmt.Errorf("catalog.path %q must be a .json file", c.Catalog.Path))
	}
	if c.Postgres.WAL.SegmentSize <= 0 || c.Postgres.WAL.SegmentSize%(1024*1024) != 0 {
		errs = append(errs, fmt.Errorf("postgres.wal.segment_size %d must be a positive multiple of 1 MiB", c.Postgres.WAL.SegmentSize))
	}
	if c.Postgres.WAL.ArchiveWait < 0 {
		errs = append(errs, errors.New("postgres.wal.archive_wait must not be negative"))
	}

	seen := map[string]string{}
	check := func(engine string, group DBGroupConfig) {
		for i, inst := range group.Instances {
			if inst.Name == "" {
				errs = append(errs, fmt.Errorf("%s.instances[%d]: name is required", engine, i))
				continue
			}
			if other, dup := seen[inst.Name]; dup {
				errs = append(errs, fmt.Errorf("%s.instances[%d]: name %q already used by %s", engine, i, inst.Name, other))
			}
			seen[inst.Name] = engine
			if inst.Database == "" && inst.SecretName == "" {
				errs = append(errs, fmt.Errorf("%s.instances[%d] (%s): database is required", engine, i, inst.Name))
			}
			if method := firstNonEmpty(inst.Method, group.Method); !validMethod(engine, method) {
				errs = append(errs, fmt.Errorf("%s.instances[%d] (%s): unsupported method %q", engine, i, inst.Name, method))
			}
		}
	}
	check(EnginePostgres, c.Postgres.DBGroupConfig)
	check(EngineMySQL, c.MySQL.DBGroupConfig)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidateConfig, errors.Join(errs...))
	}
	return nil
}

func validMethod(engine, method string) bool {
	for _, m := range methods[engine] {
		if m == method {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Instance is a configured database resolved against its engine defaults.
type Instance struct {
	Engine string
	DBInstance
	Timeout  time.Duration
	Vault    VaultPaths
	Password string
}

// FindInstance resolves name to an instance with engine defaults applied.
// The password is read from the instance's password_env variable, if set.
func (c *Config) FindInstance(name string) (Instance, error) {
	groups := []struct {
		engine string
		group  DBGroupConfig
	}{
		{EnginePostgres, c.Postgres.DBGroupConfig},
		{EngineMySQL, c.MySQL.DBGroupConfig},
	}
	for _, g := range groups {
		for _, inst := range g.group.Instances {
			if inst.Name != name {
				continue
			}
			inst.Host = firstNonEmpty(inst.Host, g.group.Host)
			inst.Port = firstNonEmpty(inst.Port, g.group.Port)
			inst.Method = firstNonEmpty(inst.Method, g.group.Method)
			inst.Compress = inst.Compress || g.group.Compress || c.Backup.Compress
			timeout := g.group.Timeout
			if timeout == 0 {
				timeout = c.Backup.Timeout
			}
			resolved := Instance{Engine: g.engine, DBInstance: inst, Timeout: timeout, Vault: g.group.Vault}
			if inst.PasswordEnv != "" {
				resolved.Password = os.Getenv(inst.PasswordEnv)
			}
			return resolved, nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, name)
}

// InstanceNames lists every configured instance, postgres first.
func (c *Config) InstanceNames() []string {
	var names []string
	for _, inst := range c.Postgres.Instances {
		names = append(names, inst.Name)
	}
	for _, inst := range c.MySQL.Instances {
		names = append(names, inst.Name)
	}
	return names
}
