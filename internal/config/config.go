// Package config loads and validates gateway-config.json (spec §6).
// Grounded on internal/transport.Config's DefaultConfig/normalizeConfig
// idiom, and on the teacher's (now-adapted-away) YAML bootstrap config
// loader for the env-override convention.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"clawgate/internal/model"
)

const CurrentVersion = 1

var (
	ErrUnsupportedVersion = errors.New("config: unsupported version")
	ErrBadPrincipalPrefix = errors.New("config: identity principal must start with local: or stacks:")
	ErrDuplicateNick      = errors.New("config: duplicate nick among autoloaded identities")
	ErrNoIdentities        = errors.New("config: at least one identity must be configured")
)

// Default returns a minimal, valid GatewayConfig with no identities: callers
// add identities before first run via the CLI collaborator (spec §6 out of
// scope here).
func Default() model.GatewayConfig {
	return model.GatewayConfig{
		Version: CurrentVersion,
		P2PPort: 0,
	}
}

// Load reads path as either JSON or YAML (detected by extension, defaulting
// to JSON as gateway-config.json's canonical on-disk form), applies
// CLAWGATE_* environment overrides, validates, and returns the result.
func Load(path string) (model.GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.GatewayConfig{}, err
	}
	cfg := Default()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.GatewayConfig{}, err
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return model.GatewayConfig{}, err
		}
	}
	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return model.GatewayConfig{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON (spec §6's canonical format).
func Save(path string, cfg model.GatewayConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides follows the teacher's CLAWGATE_* convention: an
// environment variable overrides the matching top-level scalar field.
func applyEnvOverrides(cfg *model.GatewayConfig) {
	if v := os.Getenv("CLAWGATE_P2P_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.P2PPort = port
		}
	}
	if v := os.Getenv("CLAWGATE_WS_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			if cfg.WSBridge == nil {
				cfg.WSBridge = &model.WSBridgeConfig{}
			}
			cfg.WSBridge.Port = port
		}
	}
	if v := os.Getenv("CLAWGATE_WS_BRIDGE_TOKEN"); v != "" {
		if cfg.WSBridge == nil {
			cfg.WSBridge = &model.WSBridgeConfig{}
		}
		cfg.WSBridge.Token = v
	}
	if v := os.Getenv("CLAWGATE_WAKE_HOOK_COMMAND"); v != "" {
		cfg.WakeHookCommand = v
	}
}

// Validate enforces spec §6's schema rules: version must be the supported
// version, every identity's principal must carry a recognized mode prefix,
// and nicks must be unique among autoloaded identities.
func Validate(cfg model.GatewayConfig) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, cfg.Version, CurrentVersion)
	}
	if len(cfg.Identities) == 0 {
		return ErrNoIdentities
	}
	seenNicks := make(map[string]string)
	for _, ident := range cfg.Identities {
		if !strings.HasPrefix(ident.Principal, "local:") && !strings.HasPrefix(ident.Principal, "stacks:") {
			return fmt.Errorf("%w: %q", ErrBadPrincipalPrefix, ident.Principal)
		}
		if !ident.Autoload || ident.Nick == "" {
			continue
		}
		if owner, ok := seenNicks[ident.Nick]; ok && owner != ident.Principal {
			return fmt.Errorf("%w: %q", ErrDuplicateNick, ident.Nick)
		}
		seenNicks[ident.Nick] = ident.Principal
	}
	return nil
}
