package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"clawgate/internal/config"
	"clawgate/internal/gateway"
	"clawgate/internal/model"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data-dir", "", "gateway data directory (required)")
	configPath := flag.String("config", "", "path to gateway-config.json or .yaml (defaults to <data-dir>/gateway-config.json)")
	p2pPort := flag.Int("p2p-port", 0, "override the configured P2P listen port")
	wsBridgePort := flag.Int("ws-bridge-port", 0, "override the configured WebSocket Bridge port")
	wsBridgeToken := flag.String("ws-bridge-token", "", "override the configured WebSocket Bridge token")
	wakeHookCommand := flag.String("wake-hook-command", "", "override the configured external wake hook command")
	passphraseFile := flag.String("passphrase-file", "", "path to a JSON object mapping principal -> passphrase")
	passphraseEnv := flag.String("passphrase-env", "CLAWGATE_PASSPHRASE", "environment variable holding a single passphrase used for every identity when -passphrase-file is not set")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawgated version=%s commit=%s\n", version, commit)
		return
	}
	if *dataDir == "" {
		log.Fatal("clawgated: -data-dir is required")
	}

	path := *configPath
	if path == "" {
		path = filepath.Join(*dataDir, "gateway-config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("clawgated: loading config: %v", err)
	}
	if *p2pPort != 0 {
		cfg.P2PPort = *p2pPort
	}
	if *wsBridgePort != 0 || *wsBridgeToken != "" {
		if cfg.WSBridge == nil {
			cfg.WSBridge = &model.WSBridgeConfig{}
		}
		if *wsBridgePort != 0 {
			cfg.WSBridge.Port = *wsBridgePort
		}
		if *wsBridgeToken != "" {
			cfg.WSBridge.Token = *wsBridgeToken
		}
	}

	if *wakeHookCommand != "" {
		cfg.WakeHookCommand = *wakeHookCommand
	}

	passphrase, err := buildPassphraseProvider(*passphraseFile, *passphraseEnv)
	if err != nil {
		log.Fatalf("clawgated: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(*dataDir, cfg, passphrase)
	if err != nil {
		log.Fatalf("clawgated: failed to initialize: %v", err)
	}

	log.Println("clawgated starting")
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("clawgated failed: %v", err)
	}
	log.Println("clawgated stopped")
}

// buildPassphraseProvider resolves one identity's decryption passphrase
// either from a JSON principal->passphrase map on disk, or, when no map file
// is given, from a single environment variable shared by every identity.
func buildPassphraseProvider(passphraseFile, envVar string) (gateway.PassphraseProvider, error) {
	if passphraseFile == "" {
		return func(principal string) (string, error) {
			if v := os.Getenv(envVar); v != "" {
				return v, nil
			}
			return "", fmt.Errorf("clawgated: no passphrase available for %s (set %s or use -passphrase-file)", principal, envVar)
		}, nil
	}
	data, err := os.ReadFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	var byPrincipal map[string]string
	if err := json.Unmarshal(data, &byPrincipal); err != nil {
		return nil, fmt.Errorf("parsing passphrase file: %w", err)
	}
	return func(principal string) (string, error) {
		if p, ok := byPrincipal[principal]; ok {
			return p, nil
		}
		return "", fmt.Errorf("clawgated: no passphrase entry for %s in %s", principal, passphraseFile)
	}, nil
}
