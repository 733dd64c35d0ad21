// Package config loads the dbdelta configuration file.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/dbdelta/backup"
	"github.com/GoCodeAlone/dbdelta/check"
	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/ledger"
	"github.com/GoCodeAlone/dbdelta/metrics"
	"github.com/GoCodeAlone/dbdelta/observability/tracing"
	"github.com/GoCodeAlone/dbdelta/secrets"
)

// DefaultFile is read when no configuration file is named explicitly.
const DefaultFile = ".dbdelta.yaml"

// Config is the complete tool configuration. It is loaded once and passed by
// value.
type Config struct {
	UpgradesTable string            `yaml:"upgrades_table"`
	DeltaDirs     []string          `yaml:"delta_dirs"`
	Variables     []string          `yaml:"variables"` // type:name=value
	Databases     map[string]string `yaml:"databases"` // name -> connection string
	Backup        BackupConfig      `yaml:"backup"`
	Check         CheckConfig       `yaml:"check"`
	Upgrade       UpgradeConfig     `yaml:"upgrade"`
	Tracing       tracing.Config    `yaml:"tracing"`
	Metrics       metrics.Config    `yaml:"metrics"`
	Audit         AuditConfig       `yaml:"audit"`
	Secrets       SecretsConfig     `yaml:"secrets"`
}

type BackupConfig struct {
	backup.PgConfig     `yaml:",inline"`
	ExcludeSchemas      []string `yaml:"exclude_schemas"`
	IgnoreRestoreErrors bool     `yaml:"ignore_restore_errors"`
	Archive             string   `yaml:"archive"` // file://, s3:// or gs:// URL
}

type CheckConfig struct {
	Ignore         []string `yaml:"ignore"`
	ExcludeSchemas []string `yaml:"exclude_schemas"`
}

type UpgradeConfig struct {
	AdvisoryLock bool   `yaml:"advisory_lock"`
	MaxVersion   string `yaml:"max_version"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type SecretsConfig struct {
	Dir       string              `yaml:"dir"`
	EnvPrefix string              `yaml:"env_prefix"`
	Vault     secrets.VaultConfig `yaml:"vault"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		UpgradesTable: ledger.DefaultTable,
		Databases:     map[string]string{},
		Tracing:       tracing.DefaultConfig(),
		Metrics:       metrics.DefaultConfig(),
	}
}

// LoadFromFile reads path over the defaults. Unknown keys are rejected.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path) //nolint:gosec // G304: operator supplied config path
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Databases == nil {
		cfg.Databases = map[string]string{}
	}
	return cfg, nil
}

// Load reads path, or DefaultFile when path is empty. A missing default file
// yields Default().
func Load(path string) (Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	if _, err := os.Stat(DefaultFile); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return LoadFromFile(DefaultFile)
}

// Validate checks every value that can be checked without a database.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := ledger.ParseTableName(c.UpgradesTable); err != nil {
		errs = append(errs, fmt.Errorf("upgrades_table: %w", err))
	}
	if _, err := c.Bindings(); err != nil {
		errs = append(errs, fmt.Errorf("variables: %w", err))
	}
	if _, err := c.MaxVersion(); err != nil {
		errs = append(errs, fmt.Errorf("upgrade.max_version: %w", err))
	}
	for _, e := range c.Check.Ignore {
		if _, err := check.ParseElement(e); err != nil {
			errs = append(errs, fmt.Errorf("check.ignore: %w", err))
		}
	}
	for _, name := range c.databaseNames() {
		if _, err := database.ParseTarget(name, c.Databases[name]); err != nil {
			errs = append(errs, fmt.Errorf("databases.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) databaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for n := range c.Databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bindings parses the configured variables.
func (c Config) Bindings() (delta.Variables, error) {
	bindings := make([]delta.Binding, 0, len(c.Variables))
	for _, s := range c.Variables {
		b, err := delta.ParseBinding(s)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return delta.NewVariables(bindings...)
}

// MaxVersion returns the configured upgrade ceiling, or nil when unset.
func (c Config) MaxVersion() (*delta.Version, error) {
	if c.Upgrade.MaxVersion == "" {
		return nil, nil
	}
	v, err := delta.ParseVersion(c.Upgrade.MaxVersion)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Elements parses the comparator elements to ignore.
func (c Config) Elements() ([]check.Element, error) {
	out := make([]check.Element, 0, len(c.Check.Ignore))
	for _, s := range c.Check.Ignore {
		e, err := check.ParseElement(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Target resolves a configured database name, or treats the argument as a
// connection string.
func (c Config) Target(nameOrDSN string) (database.Target, error) {
	if dsn, ok := c.Databases[nameOrDSN]; ok {
		return database.ParseTarget(nameOrDSN, dsn)
	}
	return database.ParseTarget("", nameOrDSN)
}

// NewResolver builds the secret resolver described by the secrets section.
func (c Config) NewResolver() (*secrets.Resolver, error) {
	r := secrets.NewResolver()
	if c.Secrets.EnvPrefix != "" {
		r.Register("env", secrets.NewEnvProvider(c.Secrets.EnvPrefix))
	}
	if c.Secrets.Dir != "" {
		r.Register("file", secrets.NewFileProvider(c.Secrets.Dir))
	}
	if c.Secrets.Vault.Enabled() {
		p, err := secrets.NewVaultProvider(c.Secrets.Vault)
		if err != nil {
			return nil, err
		}
		r.Register("vault", p)
	}
	return r, nil
}

// ResolveSecrets returns a copy of c with secret references in database
// connection strings, variables and the archive URL expanded.
func (c Config) ResolveSecrets(ctx context.Context, r *secrets.Resolver) (Config, error) {
	out := c
	out.Databases = make(map[string]string, len(c.Databases))
	for _, name := range c.databaseNames() {
		v, err := r.Expand(ctx, c.Databases[name])
		if err != nil {
			return c, fmt.Errorf("databases.%s: %w", name, err)
		}
		out.Databases[name] = v
	}
	out.Variables = make([]string, len(c.Variables))
	for i, s := range c.Variables {
		v, err := r.Expand(ctx, s)
		if err != nil {
			return c, fmt.Errorf("variables[%d]: %w", i, err)
		}
		out.Variables[i] = v
	}
	archive, err := r.Expand(ctx, c.Backup.Archive)
	if err != nil {
		return c, fmt.Errorf("backup.archive: %w", err)
	}
	out.Backup.Archive = archive
	return out, nil
}
