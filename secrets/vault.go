package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// VaultConfig holds the connection settings for HashiCorp Vault. Empty fields
// fall back to the standard VAULT_* environment variables.
type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mount_path"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Enabled reports whether any Vault setting was given.
func (c VaultConfig) Enabled() bool {
	return c.Address != "" || c.Token != ""
}

// VaultProvider reads fields from a KV version 2 secrets engine. Keys have the
// form "path#field"; without a field the whole secret is returned as JSON.
type VaultProvider struct {
	kv *api.KVv2
}

// NewVaultProvider creates a client for cfg.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	vc := api.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if client.Token() == "" {
		return nil, fmt.Errorf("%w: vault token is required", ErrProviderInit)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	return &VaultProvider{kv: client.KVv2(strings.Trim(mount, "/"))}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path, field, _ := strings.Cut(key, "#")
	if path == "" {
		return "", ErrInvalidKey
	}
	secret, err := p.kv.Get(ctx, path)
	if errors.Is(err, api.ErrSecretNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if field == "" {
		data, err := json.Marshal(secret.Data)
		if err != nil {
			return "", fmt.Errorf("secrets: encode %s: %w", path, err)
		}
		return string(data), nil
	}
	val, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q at %s", ErrNotFound, field, path)
	}
	return fmt.Sprint(val), nil
}
