package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"follower-platform/config"
)

// Credentials holds a user's exchange API credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Client wraps the HashiCorp Vault API client for exchange credential storage.
// When Vault is disabled the client degrades to an in-memory cache so local
// development works without a Vault server.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*Credentials
	cacheEnabled bool
}

// NewClient creates a new Vault client from configuration
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		// Disabled mode: cache-only client for development
		return &Client{
			config:       cfg,
			cache:        make(map[string]*Credentials),
			cacheEnabled: true,
		}, nil
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := apiConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*Credentials),
		cacheEnabled: true,
	}, nil
}

// NewMockClient creates a disabled-mode client for tests
func NewMockClient() *Client {
	return &Client{
		config:       config.VaultConfig{Enabled: false},
		cache:        make(map[string]*Credentials),
		cacheEnabled: true,
	}
}

// IsEnabled returns whether Vault storage is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// StoreCredentials stores a user's exchange credentials in Vault.
// In disabled mode the credentials only live in the in-memory cache.
func (c *Client) StoreCredentials(ctx context.Context, userID string, creds *Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[userID] = creds
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(userID)

	// KV v2 requires the payload wrapped in a "data" field
	data := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[userID] = creds
		c.mu.Unlock()
	}

	return nil
}

// GetCredentials retrieves a user's exchange credentials from Vault
func (c *Client) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if creds, ok := c.cache[userID]; ok {
			c.mu.RUnlock()
			return creds, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials not found and vault is disabled")
	}

	path := c.secretPath(userID)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found for user %s", userID)
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for user %s", userID)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("incomplete credentials for user %s", userID)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[userID] = creds
		c.mu.Unlock()
	}

	return creds, nil
}

// DeleteCredentials removes a user's exchange credentials from Vault
func (c *Client) DeleteCredentials(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	// Deleting metadata removes all versions of the secret
	path := c.metadataPath(userID)

	_, err := c.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}

	return nil
}

// InvalidateUser removes a user's cached credentials
func (c *Client) InvalidateUser(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// ClearCache removes all cached credentials
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// SetCacheEnabled toggles the credential cache
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	if !enabled {
		c.cache = make(map[string]*Credentials)
	}
	c.mu.Unlock()
}

// Health checks connectivity to the Vault server
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath builds the KV v2 data path for a user's credentials
func (c *Client) secretPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, userID)
}

// metadataPath builds the KV v2 metadata path for a user's credentials
func (c *Client) metadataPath(userID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, userID)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
