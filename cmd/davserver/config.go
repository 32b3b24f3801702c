// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk davserver configuration, generalizing the flags the
// teacher's ExampleMain hard-coded (-d, -p, -s) into a single YAML document
// so a deployment can also tune lock limits and the range engine.
type Config struct {
	// Root is the directory served at "/".
	Root string `yaml:"root"`
	// ListenAddr is the address ListenAndServe(TLS) binds, e.g. ":8000".
	ListenAddr string `yaml:"listen_addr"`
	// TLSCertFile and TLSKeyFile, if both set, switch on HTTPS.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// MaxBodyBytes caps request body size (PUT, PROPPATCH, LOCK); 0 means
	// unbounded.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Locks LockConfig `yaml:"locks"`
	Range RangeConfig `yaml:"range"`

	// PolicyRoot, if set, enables the OPA-backed AuthorizationFilter
	// rooted at this directory (ancestor-directory Rego policy lookup and
	// per-user claims files, see authz.FileSystemPolicyLookup).
	PolicyRoot string `yaml:"policy_root"`
}

// LockConfig configures the in-memory LockManager's timeouts and caps (§4.1
// invariants L1-L4).
type LockConfig struct {
	DefaultTimeout                       time.Duration `yaml:"default_timeout"`
	MaxTimeout                           time.Duration `yaml:"max_timeout"`
	MaxLocksPerRoot                      int           `yaml:"max_locks_per_root"`
	MaxLocksGlobal                       int           `yaml:"max_locks_global"`
	AllowDuplicateSharedLockBySameOwner bool          `yaml:"allow_duplicate_shared_lock_by_same_owner"`
}

// RangeConfig configures the partial-content engine.
type RangeConfig struct {
	MergeDistanceBytes int64 `yaml:"merge_distance_bytes"`
}

func defaultConfig() Config {
	return Config{
		Root:       "./data",
		ListenAddr: ":8000",
		Locks: LockConfig{
			DefaultTimeout:  15 * time.Minute,
			MaxTimeout:      1 * time.Hour,
			MaxLocksPerRoot: 8,
			MaxLocksGlobal:  10000,
		},
		Range: RangeConfig{MergeDistanceBytes: 64 << 10},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}
