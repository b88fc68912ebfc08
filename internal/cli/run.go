package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keyvouch/keyvouch/internal/biometric"
	"github.com/keyvouch/keyvouch/internal/config"
	"github.com/keyvouch/keyvouch/internal/coordinator"
	"github.com/keyvouch/keyvouch/internal/debughttp"
	"github.com/keyvouch/keyvouch/internal/keymanager"
	ilog "github.com/keyvouch/keyvouch/internal/log"
	"github.com/keyvouch/keyvouch/internal/store/sqlite"
	vaultsqlite "github.com/keyvouch/keyvouch/internal/vault/sqlite"
)

func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "coordinator":
		return runCoordinator(ctx, args[1:])
	case "keymanager":
		return runKeyManager(ctx, args[1:])
	case "version":
		fmt.Println(Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}

func runCoordinator(ctx context.Context, args []string) int {
	cfg, err := config.ParseCoordinatorFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordinator config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, "coordinator")

	if cfg.TokenPepper == "" {
		cfg.TokenPepper = randomHex(32)
		logger.Warn("no token pepper configured, using an ephemeral one; browser sessions will not survive a restart")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	bio := biometric.New(cfg.BiometricBaseURL, cfg.BiometricAPIKey, cfg.BiometricJWTSecret, cfg.RequestTimeout)
	if bio == nil {
		logger.Info("biometric validator disabled, device confirmation alone authenticates")
	}

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	srv, err := coordinator.New(cfg, store, logger, nil, bio)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordinator error:", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator error:", err)
		return 1
	}
	return 0
}

func runKeyManager(ctx context.Context, args []string) int {
	cfg, err := config.ParseKeyManagerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keymanager config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, "keymanager")

	var masterKey []byte
	if cfg.MasterKeyHex != "" {
		masterKey, err = hex.DecodeString(cfg.MasterKeyHex)
		if err != nil {
			fmt.Fprintln(os.Stderr, "keymanager config error: master key must be 64 hex characters")
			return 2
		}
	} else {
		masterKey = randomBytes(32)
		logger.Warn("no master key configured, using an ephemeral one; vault contents will be unreadable after a restart")
	}

	vault, err := vaultsqlite.Open(cfg.DBPath, masterKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vault error:", err)
		return 1
	}
	defer func() { _ = vault.Close() }()

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	srv, err := keymanager.New(ctx, cfg, vault, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keymanager error:", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "keymanager error:", err)
		return 1
	}
	return 0
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func randomHex(n int) string {
	return hex.EncodeToString(randomBytes(n))
}
