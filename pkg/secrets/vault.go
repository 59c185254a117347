package secrets

import (
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

// Config holds Vault configuration.
type Config struct {
	Address string
	Token   string
}

// Client wraps the Vault API client for secret lookups.
type Client struct {
	client *vault.Client
	logger *logrus.Entry
}

// NewClient creates a Vault client and verifies the server is unsealed.
func NewClient(config Config) (*Client, error) {
	if config.Address == "" {
		config.Address = os.Getenv("VAULT_ADDR")
		if config.Address == "" {
			config.Address = "http://localhost:8200"
		}
	}
	if config.Token == "" {
		config.Token = os.Getenv("VAULT_TOKEN")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(config.Token)

	health, err := client.Sys().Health()
	if err != nil {
		return nil, fmt.Errorf("vault is not healthy: %w", err)
	}
	if health.Sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	logger := logrus.WithField("component", "secrets")
	logger.Infof("connected to vault at %s", config.Address)

	return &Client{client: client, logger: logger}, nil
}

// GetSecret reads a single field from a KV v2 secret path.
func (c *Client) GetSecret(path, field string) (string, error) {
	secret, err := c.client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// KV v1 stores fields directly
		data = secret.Data
	}

	value, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("field %s not found at %s", field, path)
	}
	return value, nil
}

// GetAdminKey retrieves the emergency-stop admin reset key. Falls back
// to the provided default when Vault has no entry.
func (c *Client) GetAdminKey(path string, fallback string) string {
	key, err := c.GetSecret(path, "admin_key")
	if err != nil {
		c.logger.Warnf("falling back to configured admin key: %v", err)
		return fallback
	}
	return key
}
