// loadstore bulk-loads free-quota grants into the billing store, either
// one user at a time or from a file of "username bytes" lines.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Peergos/payments/internal/config"
	"github.com/Peergos/payments/internal/database"
	"github.com/Peergos/payments/internal/ledger"
	"github.com/Peergos/payments/internal/units"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	file := flag.String("file", "", "file of 'username bytes' lines to load")
	user := flag.String("user", "", "single username to grant free quota to")
	freeQuota := flag.String("free-quota", "", "free quota for -user, e.g. 1g")
	flag.Parse()

	if *file == "" && *user == "" {
		fmt.Fprintln(os.Stderr, "usage:")
		fmt.Fprintln(os.Stderr, "  loadstore -config payments.yaml -file grants.txt")
		fmt.Fprintln(os.Stderr, "  loadstore -config payments.yaml -user bob -free-quota 1g")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	if cfg.Database.Driver != "postgres" {
		logger.Fatal("loadstore needs a postgres store, the in-memory store is ephemeral")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	store := ledger.NewPostgresStore(db)
	if err := store.InitializeSchema(ctx); err != nil {
		logger.Fatal("initializing schema", zap.Error(err))
	}

	if *user != "" {
		quota, err := config.ParseQuota(*freeQuota)
		if err != nil {
			logger.Fatal("parsing free quota", zap.Error(err))
		}
		if err := grant(ctx, store, *user, quota.Int64()); err != nil {
			logger.Fatal("granting free quota", zap.String("username", *user), zap.Error(err))
		}
		logger.Info("free quota granted", zap.String("username", *user), zap.Int64("bytes", quota.Int64()))
		return
	}

	f, err := os.Open(*file)
	if err != nil {
		logger.Fatal("opening grants file", zap.Error(err))
	}
	defer func() { _ = f.Close() }()

	loaded := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			logger.Fatal("malformed grant line", zap.String("line", line))
		}
		quota, err := config.ParseQuota(parts[1])
		if err != nil {
			logger.Fatal("parsing grant line", zap.String("line", line), zap.Error(err))
		}
		if err := grant(ctx, store, parts[0], quota.Int64()); err != nil {
			logger.Fatal("granting free quota", zap.String("username", parts[0]), zap.Error(err))
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		logger.Fatal("reading grants file", zap.Error(err))
	}
	logger.Info("grants loaded", zap.Int("users", loaded))
}

// grant registers the user if needed, then sets their free quota.
func grant(ctx context.Context, store ledger.Store, username string, bytes int64) error {
	if err := store.EnsureUser(ctx, username, 0, time.Now()); err != nil {
		return err
	}
	quota, err := units.Bytes(bytes)
	if err != nil {
		return err
	}
	return store.SetFreeQuota(ctx, username, quota)
}
