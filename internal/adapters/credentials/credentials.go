// Package credentials resolves model API keys into immutable descriptors.
package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/okian/evalboard/internal/domain/model"
)

// EnvPrefix prefixes every credential variable.
const EnvPrefix = "EVALBOARD_"

// EnvResolver reads keys from the environment:
//
//	EVALBOARD_MODEL_<NAME>_API_KEY
//	EVALBOARD_PROVIDER_<PROVIDER>_API_KEY
//
// The model key wins over the provider key. A model with neither resolves
// with no credential.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// Option configures an EnvResolver.
type Option func(*EnvResolver)

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(r *EnvResolver) {
		if fn != nil {
			r.lookup = fn
		}
	}
}

// NewEnvResolver builds a resolver over the process environment.
func NewEnvResolver(opts ...Option) *EnvResolver {
	r := &EnvResolver{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns one descriptor per request, in order. reqs is not modified.
func (r *EnvResolver) Resolve(ctx context.Context, reqs []model.ModelRequest) ([]model.ModelDescriptor, error) {
	out := make([]model.ModelDescriptor, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = model.NewModelDescriptor(req.Name, req.Endpoint, req.Provider, r.key(req))
	}
	return out, nil
}

func (r *EnvResolver) key(req model.ModelRequest) string {
	if v, ok := r.lookup(ModelVar(req.Name)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if req.Provider != "" {
		if v, ok := r.lookup(ProviderVar(req.Provider)); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ModelVar is the variable holding the key for a model name.
func ModelVar(name string) string { return EnvPrefix + "MODEL_" + envName(name) + "_API_KEY" }

// ProviderVar is the variable holding the key for a provider.
func ProviderVar(provider string) string {
	return EnvPrefix + "PROVIDER_" + envName(provider) + "_API_KEY"
}

// envName upper-cases name and replaces anything outside [A-Z0-9] with '_'.
func envName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToUpper(strings.TrimSpace(name)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
