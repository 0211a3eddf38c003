// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

// horus-demo bootstraps a sync client against a local SQLite file and
// runs one forced synchronization pass. It exists to exercise the
// engine end to end from the command line.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/apptanksas/go-horus-sync/horus"
	"github.com/apptanksas/go-horus-sync/horusqlite"
	"github.com/apptanksas/go-horus-sync/internal/auth"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "horus-demo",
		Short: "Run a one-shot sync pass against a horus sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("db", "horus.db", "path to the local SQLite database")
	flags.String("server-url", "http://localhost:8080", "sync server base URL")
	flags.String("token", "", "bearer JWT for the sync session")
	flags.String("log-file", "", "rotate logs to this file instead of stderr")
	flags.Int("batch-size", horusqlite.DefaultBatchSize, "actions per push batch trigger")
	flags.Duration("batch-expiration", horusqlite.DefaultBatchExpiration, "staleness bound for the pending queue")

	viper.SetEnvPrefix("HORUS")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context) error {
	logger := newLogger(viper.GetString("log-file"))

	token := viper.GetString("token")
	if token == "" {
		return fmt.Errorf("--token is required (or HORUS_TOKEN)")
	}

	session := horus.NewTokenSession()
	if err := session.SetToken(token); err != nil {
		return fmt.Errorf("invalid session token: %w", err)
	}

	db, err := sql.Open("sqlite3", viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	service := horus.NewHTTPService(viper.GetString("server-url"), session.BearerToken, logger)

	config := horusqlite.DefaultConfig()
	config.BatchSize = viper.GetInt("batch-size")
	config.BatchExpiration = viper.GetDuration("batch-expiration")
	config.Logger = logger

	client, err := horusqlite.NewClient(db, service, session, alwaysOnline{}, config)
	if err != nil {
		return fmt.Errorf("failed to create sync client: %w", err)
	}

	if userID, ok := session.UserID(); ok {
		ctx = auth.WithUserID(ctx, userID)
	}

	logger.Info("running bootstrap pipeline")
	if err := client.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	client.ForceSync(ctx,
		func() { done <- nil },
		func(err error) { done <- err },
	)
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("sync timed out")
	}

	last, err := client.GetLastSyncDate(ctx)
	if err != nil {
		return err
	}
	logger.Info("sync completed", "last_sync", last)
	return nil
}

func newLogger(logFile string) *slog.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

// alwaysOnline is a NetworkValidator for environments where the demo
// only runs with connectivity present.
type alwaysOnline struct{}

func (alwaysOnline) IsNetworkAvailable() bool { return true }

func (alwaysOnline) OnNetworkChange(func(available bool)) {}

var _ horus.NetworkValidator = alwaysOnline{}
