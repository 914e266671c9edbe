package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

var (
	// ErrClientInit indicates failure to initialize the Vault API client.
	ErrClientInit = errors.New("vault client initialization failed")
	// ErrNoSecret is returned when a path holds no data.
	ErrNoSecret = errors.New("no secret at path")
)

type Option func(*config)

type config struct {
	address  string
	token    string
	roleID   string
	roleName string
}

type Client struct {
	api    *vault.Client
	config *config
}

// DynamicCredentials is a database login leased from a Vault secrets engine.
type DynamicCredentials struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"-"`
}

// StaticCredentials is connection data kept in a KV secret.
type StaticCredentials struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func WithAddress(address string) Option {
	return func(c *config) {
		if address != "" {
			c.address = address
		}
	}
}

func WithToken(token string) Option {
	return func(c *config) {
		if token != "" {
			c.token = token
		}
	}
}

func WithAppRole(roleID, roleName string) Option {
	return func(c *config) {
		c.roleID = roleID
		c.roleName = roleName
	}
}

// NewClient creates and initializes a Vault Client using provided options.
// It will perform AppRole login if roleID and roleName are both set, otherwise
// a static token (from env or WithToken) is used.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, apiCfg.Error)
	}
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}
	apiCfg.MaxRetries = 0

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	client := &Client{api: api, config: cfg}
	if cfg.token != "" {
		client.api.SetToken(cfg.token)
	}

	if cfg.roleID != "" && cfg.roleName != "" {
		if err := client.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("AppRole login failed: %w", err)
		}
	}
	return client, nil
}

// loginAppRole performs AppRole login using the configured roleID and roleName.
func (c *Client) loginAppRole(ctx context.Context) error {
	path := fmt.Sprintf(approleSecretIDPath, c.config.roleName)
	resp, err := c.api.Logical().WriteWithContext(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("generate secret_id: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("no response from %s", path)
	}
	sid, ok := resp.Data["secret_id"].(string)
	if !ok || sid == "" {
		return fmt.Errorf("no secret_id returned from %s", path)
	}

	loginData := map[string]any{
		"role_id":   c.config.roleID,
		"secret_id": sid,
	}
	loginResp, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, loginData)
	if err != nil {
		return fmt.Errorf("approle login request: %w", err)
	}
	if loginResp == nil || loginResp.Auth == nil || loginResp.Auth.ClientToken == "" {
		return errors.New("no token in login response")
	}
	c.api.SetToken(loginResp.Auth.ClientToken)
	return nil
}

// Token returns the token the client currently authenticates with.
func (c *Client) Token() string { return c.api.Token() }

func (c *Client) read(ctx context.Context, path string) (*vault.Secret, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSecret, path)
	}
	return secret, nil
}

// GetDynamicCredentials reads a leased username/password from a database
// secrets engine role, e.g. database/creds/shop-backup.
func (c *Client) GetDynamicCredentials(ctx context.Context, role string) (DynamicCredentials, error) {
	secret, err := c.read(ctx, role)
	if err != nil {
		return DynamicCredentials{}, err
	}
	var creds DynamicCredentials
	if err := mapstructure.Decode(secret.Data, &creds); err != nil {
		return DynamicCredentials{}, fmt.Errorf("decode credentials at %s: %w", role, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return DynamicCredentials{}, fmt.Errorf("invalid data format at path: %s", role)
	}
	creds.TTL = time.Duration(secret.LeaseDuration) * time.Second
	return creds, nil
}

// GetStaticCredentials reads connection data from a KV v2 secret. The KV v2
// envelope ({"data": {...}}) is unwrapped when present.
func (c *Client) GetStaticCredentials(ctx context.Context, path string) (StaticCredentials, error) {
	secret, err := c.read(ctx, path)
	if err != nil {
		return StaticCredentials{}, err
	}
	data := secret.Data
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}
	var creds StaticCredentials
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &creds,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return StaticCredentials{}, err
	}
	if err := decoder.Decode(data); err != nil {
		return StaticCredentials{}, fmt.Errorf("decode secret at %s: %w", path, err)
	}
	return creds, nil
}
