package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"clawgate/internal/model"
)

func writeConfig(t *testing.T, cfg model.GatewayConfig) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway-config.json")
	require.NoError(t, Save(path, cfg))
	return path
}

func validConfig() model.GatewayConfig {
	return model.GatewayConfig{
		Version: CurrentVersion,
		P2PPort: 4001,
		Identities: []model.IdentityConfig{
			{Principal: "local:aa", Nick: "alice", Autoload: true, AllowLocal: true},
		},
	}
}

func TestLoadRoundTrips(t *testing.T) {
	path := writeConfig(t, validConfig())
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4001, cfg.P2PPort)
	require.Len(t, cfg.Identities, 1)
}

func TestValidateRejectsBadPrincipalPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Identities[0].Principal = "bogus:aa"
	require.ErrorIs(t, Validate(cfg), ErrBadPrincipalPrefix)
}

func TestValidateRejectsDuplicateAutoloadNick(t *testing.T) {
	cfg := validConfig()
	cfg.Identities = append(cfg.Identities, model.IdentityConfig{Principal: "local:bb", Nick: "alice", Autoload: true})
	require.ErrorIs(t, Validate(cfg), ErrDuplicateNick)
}

func TestValidateAllowsSameNickWhenOneIsNotAutoloaded(t *testing.T) {
	cfg := validConfig()
	cfg.Identities = append(cfg.Identities, model.IdentityConfig{Principal: "local:bb", Nick: "alice", Autoload: false})
	require.NoError(t, Validate(cfg))
}

func TestValidateRejectsNoIdentities(t *testing.T) {
	cfg := Default()
	require.ErrorIs(t, Validate(cfg), ErrNoIdentities)
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Version = 99
	require.ErrorIs(t, Validate(cfg), ErrUnsupportedVersion)
}

func TestEnvOverridesP2PPort(t *testing.T) {
	path := writeConfig(t, validConfig())
	require.NoError(t, os.Setenv("CLAWGATE_P2P_PORT", "5555"))
	defer os.Unsetenv("CLAWGATE_P2P_PORT")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5555, cfg.P2PPort)
}

func TestEnvOverridesWakeHookCommand(t *testing.T) {
	path := writeConfig(t, validConfig())
	require.NoError(t, os.Setenv("CLAWGATE_WAKE_HOOK_COMMAND", "/usr/local/bin/notify-wake"))
	defer os.Unsetenv("CLAWGATE_WAKE_HOOK_COMMAND")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/notify-wake", cfg.WakeHookCommand)
}
