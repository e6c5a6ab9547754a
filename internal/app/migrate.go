package app

import (
	"context"
	"fmt"
	"time"

	"pillcall/internal/config"
	"pillcall/internal/storage"
	logx "pillcall/pkg/logx"
)

// Migrate opens the configured store, which applies pending schema
// migrations, checks it answers, and closes it again.
func Migrate(ctx context.Context, cfgPath, envFile string) (string, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return "", err
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return "", err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return "", err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "migrate"))
	store, err := storage.Open(sc, log)
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return "", fmt.Errorf("storage ping: %w", err)
	}
	driver := sc.Driver
	if driver == "" {
		driver = "memory"
	}
	return driver, nil
}
