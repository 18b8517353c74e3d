// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the trustgate service configuration from an optional
// YAML file with environment-variable overrides. Environment always wins so
// container deployments can configure without a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	// Port the HTTP API listens on.
	Port string `yaml:"port"`

	// DatabaseURL is the PostgreSQL connection string for policy sets and
	// audit records. Empty selects memory mode.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL selects the distributed trust-state store. Empty selects the
	// in-process store.
	RedisURL string `yaml:"redis_url"`

	// JWTSecret enables bearer-token auth on the engine API. Empty disables
	// validation (local development).
	JWTSecret string `yaml:"jwt_secret"`

	// PolicyCacheTTL bounds how long a policy snapshot is served before
	// refresh.
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`

	// Sanitizer holds the dual-LLM provider configuration.
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
}

// SanitizerConfig configures the dual-LLM providers. The main and
// quarantined roles may use different models; isolation comes from what each
// call is shown.
type SanitizerConfig struct {
	// Provider is "bedrock" or "mock".
	Provider string `yaml:"provider"`

	Region           string `yaml:"region"`
	MainModel        string `yaml:"main_model"`
	QuarantinedModel string `yaml:"quarantined_model"`

	// CallTimeout bounds each LLM call inside a sanitization run.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Defaults mirrored by the deployment manifests.
const (
	DefaultPort             = "8086"
	DefaultProvider         = "bedrock"
	DefaultRegion           = "us-east-1"
	DefaultMainModel        = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	DefaultQuarantinedModel = "anthropic.claude-3-5-haiku-20241022-v1:0"
	DefaultCallTimeout      = 30 * time.Second
	DefaultPolicyCacheTTL   = 30 * time.Second
)

// Load reads path (when non-empty), then applies environment overrides and
// defaults. A missing file is an error; an empty path is not.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SANITIZER_PROVIDER"); v != "" {
		cfg.Sanitizer.Provider = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Sanitizer.Region = v
	}
	if v := os.Getenv("SANITIZER_MAIN_MODEL"); v != "" {
		cfg.Sanitizer.MainModel = v
	}
	if v := os.Getenv("SANITIZER_QUARANTINED_MODEL"); v != "" {
		cfg.Sanitizer.QuarantinedModel = v
	}
	if v := os.Getenv("SANITIZER_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sanitizer.CallTimeout = d
		}
	}
	if v := os.Getenv("POLICY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PolicyCacheTTL = d
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.Sanitizer.Provider == "" {
		cfg.Sanitizer.Provider = DefaultProvider
	}
	if cfg.Sanitizer.Region == "" {
		cfg.Sanitizer.Region = DefaultRegion
	}
	if cfg.Sanitizer.MainModel == "" {
		cfg.Sanitizer.MainModel = DefaultMainModel
	}
	if cfg.Sanitizer.QuarantinedModel == "" {
		cfg.Sanitizer.QuarantinedModel = DefaultQuarantinedModel
	}
	if cfg.Sanitizer.CallTimeout <= 0 {
		cfg.Sanitizer.CallTimeout = DefaultCallTimeout
	}
	if cfg.PolicyCacheTTL <= 0 {
		cfg.PolicyCacheTTL = DefaultPolicyCacheTTL
	}
}
