// Package secrets expands ${scheme:key} references in configuration values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrInvalidKey   = errors.New("secrets: invalid key")
	ErrProviderInit = errors.New("secrets: provider initialization failed")
)

// Provider reads secrets from one backend.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables. Keys are upper cased
// with dots replaced by underscores, so "db.password" reads DB_PASSWORD.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an EnvProvider. A non-empty prefix is prepended to
// every variable name.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	name := strings.ToUpper(p.prefix + strings.ReplaceAll(key, ".", "_"))
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, name)
	}
	return val, nil
}

// FileProvider reads one secret per file from a directory, the layout used by
// Kubernetes and Docker secret mounts. Trailing newlines are stripped.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a FileProvider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" || !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, key)) //nolint:gosec // G304: key is confined to dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// refPattern matches ${scheme:key} and ${NAME}.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver expands references against providers registered by scheme. A bare
// ${NAME} uses the "env" provider, which is registered by default.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates a Resolver with the env provider registered.
func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{"env": NewEnvProvider("")}}
}

// Register adds or replaces the provider for scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// Schemes lists the registered schemes in order.
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Expand replaces every reference in input with its secret value:
//
//	${vault:apps/dbdelta#prod_password}
//	${file:pg_password}
//	${env:PGPASSWORD} or ${PGPASSWORD}
//
// The first failing reference aborts expansion.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		scheme, key := splitReference(match[2 : len(match)-1])
		p, ok := r.providers[scheme]
		if !ok {
			firstErr = fmt.Errorf("secrets: unknown provider %q in %s", scheme, match)
			return match
		}
		val, err := p.Get(ctx, key)
		if err != nil {
			firstErr = fmt.Errorf("secrets: resolve %s: %w", match, err)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// splitReference separates "scheme:key". Anything before the first colon that
// is not a plain identifier belongs to the key, so "DB_HOST" maps to env.
func splitReference(inner string) (scheme, key string) {
	if i := strings.IndexByte(inner, ':'); i > 0 && isScheme(inner[:i]) {
		return inner[:i], inner[i+1:]
	}
	return "env", inner
}

func isScheme(s string) bool {
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return s != ""
}
