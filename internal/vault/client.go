// Package vault resolves exchange API credentials. When Vault is enabled,
// keys live under {mount}/data/{secret_path}/{exchange}_{network}; when it
// is not, credentials come straight from configuration. Reads are cached so
// a Vault hiccup mid-session does not stall order placement.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"futures-trading-bot/config"
)

// Credentials is one exchange's API key pair.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client with an in-memory read cache.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewClient creates the Vault client. With Vault disabled the client only
// serves credentials previously stored via StoreCredentials (used by tests
// and local development).
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// GetCredentials returns the API key pair for an exchange, from cache,
// then Vault.
func (c *Client) GetCredentials(ctx context.Context, exchange string, isTestnet bool) (*Credentials, error) {
	key := c.cacheKey(exchange, isTestnet)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("no credentials for %s and vault is disabled", exchange)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(exchange, isTestnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s credentials from vault: %w", exchange, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for %s", exchange)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for %s", exchange)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  exchange,
		IsTestnet: isTestnet,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials stored for %s", exchange)
	}

	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes the API key pair for an exchange.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	key := c.cacheKey(creds.Exchange, creds.IsTestnet)

	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[key] = &creds
		c.mu.Unlock()
		return nil
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.Exchange, creds.IsTestnet), map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store %s credentials in vault: %w", creds.Exchange, err)
	}

	c.mu.Lock()
	c.cache[key] = &creds
	c.mu.Unlock()
	return nil
}

// IsEnabled reports whether Vault-backed storage is active.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(_ context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s_%s", c.config.MountPath, c.config.SecretPath, exchange, network(isTestnet))
}

func (c *Client) cacheKey(exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s_%s", exchange, network(isTestnet))
}

func network(isTestnet bool) string {
	if isTestnet {
		return "testnet"
	}
	return "mainnet"
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
