// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"

	"dario.cat/mergo"
)

// Builder layers partial YAML fragments over a base configuration.
// Fragments decode with the same strict key checking as Load and merge
// field by field, so an override file only needs the keys it changes.
type Builder struct {
	base      *Config
	fragments []string
}

// Use sets the base configuration the fragments layer onto. Without it the
// build starts from the defaults.
func (b *Builder) Use(c *Config) *Builder {
	b.base = c
	return b
}

// Merge appends override fragments. Later fragments win.
func (b *Builder) Merge(yamls ...string) *Builder {
	b.fragments = append(b.fragments, yamls...)
	return b
}

// Build resolves the layered configuration. Every fragment is attempted
// even after a failure so one error reports all broken layers.
func (b *Builder) Build() (*Config, error) {
	cfg := b.base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var errs error
	for i, frag := range b.fragments {
		overlay := &Config{}
		if err := decodeStrict([]byte(frag), overlay); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to parse YAML fragment %d: %w", i+1, err))
			continue
		}
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride, mergo.WithTransformers(boolPtrOverride{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge fragment %d: %w", i+1, err))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return cfg, nil
}

// boolPtrOverride makes a set *bool always win the merge. mergo otherwise
// recurses into the pointed-to value and treats an explicit false as empty,
// turning "disabled in the override" into "keep the base value".
type boolPtrOverride struct{}

func (boolPtrOverride) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if src.IsNil() || !dst.CanSet() {
			return nil
		}
		dst.Set(src)
		return nil
	}
}
