package database

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/kebairia/diffback/internal/config"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/process"
	"github.com/kebairia/diffback/internal/vault"
)

// ErrNoCredentialSource means an instance wants Vault credentials but no
// Vault client was configured.
var ErrNoCredentialSource = errors.New("instance requires vault credentials but vault is not configured")

// CredentialSource reads database logins from Vault. *vault.Client
// implements it.
type CredentialSource interface {
	GetDynamicCredentials(ctx context.Context, role string) (vault.DynamicCredentials, error)
	GetStaticCredentials(ctx context.Context, path string) (vault.StaticCredentials, error)
}

// Deps are the shared collaborators handed to every engine client.
type Deps struct {
	Logger      logger.Logger
	Runner      process.Runner
	Credentials CredentialSource
}

// login is where and as whom an engine client connects.
type login struct {
	host, port, database string
	user, pass           string
}

// resolveLogin starts from the static configuration, applies the KV secret
// named by secret_name, then a leased login for role_name. Empty secret
// fields keep the configured value.
func resolveLogin(ctx context.Context, inst config.Instance, src CredentialSource) (login, error) {
	l := login{
		host:     inst.Host,
		port:     inst.Port,
		database: inst.Database,
		user:     inst.Username,
		pass:     inst.Password,
	}
	if inst.SecretName == "" && inst.RoleName == "" {
		return l, nil
	}
	if src == nil {
		return login{}, fmt.Errorf("%s: %w", inst.Name, ErrNoCredentialSource)
	}

	if inst.SecretName != "" {
		secretPath := path.Join(inst.Vault.KVBase, inst.SecretName)
		kv, err := src.GetStaticCredentials(ctx, secretPath)
		if err != nil {
			return login{}, fmt.Errorf("vault read for %q: %w", inst.Name, err)
		}
		l.host = firstNonEmpty(kv.Host, l.host)
		l.port = firstNonEmpty(kv.Port, l.port)
		l.database = firstNonEmpty(kv.Database, l.database)
		l.user = firstNonEmpty(kv.Username, l.user)
		l.pass = firstNonEmpty(kv.Password, l.pass)
	}

	if inst.RoleName != "" {
		rolePath := path.Join(inst.Vault.RoleBase, inst.RoleName)
		creds, err := src.GetDynamicCredentials(ctx, rolePath)
		if err != nil {
			return login{}, fmt.Errorf("vault read for %q: %w", inst.Name, err)
		}
		l.user, l.pass = creds.Username, creds.Password
	}
	if l.database == "" {
		return login{}, fmt.Errorf("instance %q: no database name in config or vault secret", inst.Name)
	}
	return l, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Open builds the engine client for a resolved instance.
func Open(ctx context.Context, cfg config.Config, inst config.Instance, deps Deps) (Database, error) {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("instance", inst.Name, "engine", inst.Engine)

	l, err := resolveLogin(ctx, inst, deps.Credentials)
	if err != nil {
		return nil, err
	}

	switch inst.Engine {
	case EnginePostgres:
		return NewPostgres(cfg,
			WithPostgresName(inst.Name),
			WithPostgresHost(l.host),
			WithPostgresPort(l.port),
			WithPostgresCredentials(l.user, l.pass),
			WithPostgresDatabase(l.database),
			WithPostgresMethod(inst.Method),
			WithPostgresOutputDir(cfg.Backup.OutputDirectory),
			WithPostgresTimeout(inst.Timeout),
			WithPostgresLogger(log),
			WithPostgresRunner(deps.Runner),
		), nil
	case EngineMySQL:
		return NewMySQL(cfg,
			WithMySQLName(inst.Name),
			WithMySQLHost(l.host),
			WithMySQLPort(l.port),
			WithMySQLCredentials(l.user, l.pass),
			WithMySQLDatabase(l.database),
			WithMySQLMethod(inst.Method),
			WithMySQLOutputDir(cfg.Backup.OutputDirectory),
			WithMySQLTimeout(inst.Timeout),
			WithMySQLLogger(log),
			WithMySQLRunner(deps.Runner),
		), nil
	default:
		return nil, fmt.Errorf("instance %q: unsupported engine %q", inst.Name, inst.Engine)
	}
}
