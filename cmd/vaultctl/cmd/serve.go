package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ledgervault/api"
	"github.com/jmcleod/ledgervault/internal/metrics"
	"github.com/jmcleod/ledgervault/vault"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAddr   string
	unlockPerMin int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local agent API",
	Long: `Serve the vault over loopback HTTP so a local application can unlock it,
read and write fields and follow lock events. The vault starts locked and
auto-locks after the configured idle timeout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		addr := cfg.Listen
		if listenAddr != "" {
			addr = listenAddr
		}
		if !isLoopback(addr) {
			logger.Warn("listening on a non-loopback address; the vault API has no authentication", slog.String("addr", addr))
		}

		repo, closeRepo, err := openRepository(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		v := vault.New(repo, vaultOptions(cfg, metrics.New(reg))...)
		// Runs on every exit path so queued writes are flushed and the key wiped.
		defer func() {
			if cerr := v.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing vault: %w", cerr)
			}
		}()

		a := api.New(v, repo,
			api.WithLogger(logger),
			api.WithGatherer(reg),
			api.WithUnlockRate(unlockPerMin, time.Minute),
		)
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stopAutoLock := v.StartAutoLock(ctx)
		defer stopAutoLock()

		// No WriteTimeout: /v1/events streams stay open.
		server := &http.Server{
			Addr:              addr,
			Handler:           a.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		server.RegisterOnShutdown(a.Shutdown)

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Serving vault API on http://%s (storage: %s)...\n", addr, cfg.Storage.Driver)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
		case err := <-done:
			return err
		}
		return nil
	},
}

// isLoopback reports whether addr binds only to the loopback interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (default from config, 127.0.0.1:7420)")
	serveCmd.Flags().IntVar(&unlockPerMin, "unlock-rate", 10, "Unlock requests allowed per minute per client IP")
}
