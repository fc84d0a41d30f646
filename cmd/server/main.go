package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ims/calc-engine/internal/api"
	"github.com/ims/calc-engine/internal/config"
	"github.com/ims/calc-engine/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "ims-engine",
	Short:        "Inventory, limit and locate calculation engine",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			c.Logging.Level = lvl
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		slog.SetDefault(newLogger(cfg.Logging.Level, cfg.Logging.Format))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		go e.hub.Run(ctx)
		go e.jobs.Run(ctx)

		handler := api.NewServer(e.services(), api.Options{
			Tokens:         cfg.Auth.Tokens,
			CORSOrigins:    cfg.Server.CORSOrigins,
			RequestTimeout: 30 * time.Second,
		}).Router()

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			slog.Info("ims-engine listening", "port", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("server: %w", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down ims-engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		slog.Info("ims-engine stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.URL == "" {
			return errors.New("database.url is required for migrate")
		}
		ctx := cmd.Context()
		pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		slog.Info("schema applied")
		return nil
	},
}

var processExpiredCmd = &cobra.Command{
	Use:   "process-expired",
	Short: "Expire approved locates past their expiry once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.jobs.ProcessExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d locate(s)\n", n)
		return nil
	},
}

var recalculateLimitsCmd = &cobra.Command{
	Use:   "recalculate-limits",
	Short: "Recompute cached limits for today once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.jobs.RecalculateLimits(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recalculated %d limit(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./config/ims.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(processExpiredCmd)
	rootCmd.AddCommand(recalculateLimitsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
