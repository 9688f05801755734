// Package appconfig loads this system's layered configuration via
// pkg/config.Loader and exposes it as typed lookups over the dotted
// keys spec.md §6.3 names (schema.book, bus.initialRetryInterval,
// index.reindexChunk, listener.input.prefetch, keys.stripFields, …),
// the same base->env->tenant->env-var layering pkg/config already
// implements, just with a thin typed accessor on top instead of every
// caller walking Bundle.Merged by hand.
package appconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bookmeta/reconciler/pkg/config"
)

type Config struct {
	bundle *config.Bundle
}

// Load reads <root>/<service>.json plus its env/tenant/env-var layers.
// A missing base file is not fatal: pkg/config.Loader's own "missing
// explicit file is an error, missing conventional file is not" rule
// applies, so a fresh deployment with no config directory still starts
// with every Get* falling back to its default.
func Load(ctx context.Context, root, service, env, tenant string) (*Config, error) {
	loader, err := config.NewLoader(root, config.Options{
		Service:            service,
		Env:                env,
		Tenant:             tenant,
		EnableEnvOverrides: true,
	})
	if err != nil {
		return nil, fmt.Errorf("appconfig: new loader: %w", err)
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("appconfig: load: %w", err)
	}
	return &Config{bundle: bundle}, nil
}

func (c *Config) lookup(dottedKey string) (any, bool) {
	if c == nil || c.bundle == nil {
		return nil, false
	}
	cur := c.bundle.Merged
	segs := strings.Split(dottedKey, ".")
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func (c *Config) GetString(key, def string) string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

func (c *Config) GetInt(key string, def int) int {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return def
		}
		return d
	case float64:
		return time.Duration(t) * time.Millisecond
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return def
		}
		return time.Duration(f) * time.Millisecond
	default:
		return def
	}
}

func (c *Config) GetStringSlice(key string, def []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	arr, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
