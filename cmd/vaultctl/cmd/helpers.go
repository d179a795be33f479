package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/config"
	"github.com/jmcleod/ledgervault/internal/metrics"
	"github.com/jmcleod/ledgervault/storage"
	bboltstorage "github.com/jmcleod/ledgervault/storage/bbolt"
	"github.com/jmcleod/ledgervault/storage/memory"
	"github.com/jmcleod/ledgervault/storage/postgres"
	redisstorage "github.com/jmcleod/ledgervault/storage/redis"
	"github.com/jmcleod/ledgervault/storage/sqlite"
	"github.com/jmcleod/ledgervault/vault"
)

// PasswordEnv supplies the vault password non-interactively.
const PasswordEnv = config.EnvPrefix + "PASSWORD"

const storageOpenTimeout = 10 * time.Second

var errPasswordMismatch = errors.New("passwords do not match")

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newLogger(lc config.Log, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openRepository opens the configured storage backend. The returned close
// func releases it.
func openRepository(ctx context.Context, c *config.Config) (storage.Repository, func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, storageOpenTimeout)
	defer cancel()

	switch c.Storage.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.DriverBbolt, config.DriverSQLite:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if c.Storage.Driver == config.DriverSQLite {
			s, err := sqlite.NewRepositoryFromFile(c.StoragePath())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
			}
			return s, s.Close, nil
		}
		s, err := bboltstorage.NewRepositoryFromFile(c.StoragePath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open vault storage: %w", err)
		}
		return s, s.Close, nil
	case config.DriverRedis:
		s, err := redisstorage.NewRepositoryFromAddr(ctx, c.Storage.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.NewRepositoryFromDSN(ctx, c.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, c.Storage.Driver)
	}
}

// vaultOptions translates the config into vault options. m may be nil.
func vaultOptions(c *config.Config, m *metrics.Metrics) []vault.Option {
	return []vault.Option{
		vault.WithLogger(logger),
		vault.WithMetrics(m),
		vault.WithKeyDerivation(&crypto.Argon2id{Params: c.Argon2idParams()}),
		vault.WithKeyDerivation(&crypto.PBKDF2SHA256{Iterations: c.KDF.PBKDF2Iterations}),
		vault.WithIdleTimeout(c.Lock.IdleTimeout),
		vault.WithCheckInterval(c.Lock.CheckInterval),
	}
}

// withRepository opens storage for the duration of fn.
func withRepository(ctx context.Context, fn func(repo storage.Repository) error) error {
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Warn("closing storage", slog.String("error", err.Error()))
		}
	}()
	return fn(repo)
}

// withUnlockedVault prompts for the password, unlocks the user's vault and
// runs fn. Pending writes are flushed and the vault locked afterwards.
func withUnlockedVault(ctx context.Context, fn func(v *vault.Vault, password string) error) error {
	return withRepository(ctx, func(repo storage.Repository) error {
		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}

		v := vault.New(repo, vaultOptions(cfg, nil)...)
		s, cleanup := startSpinner("Unlocking vault...")
		err = v.UnlockWithProfile(ctx, password, userID)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + " Unlock failed\n"
			if errors.Is(err, vault.ErrProfileNotFound) {
				s.FinalMSG += color.CyanString("→") + " Run " + color.YellowString("vaultctl init --user "+userID) + " first\n"
			}
		}
		cleanup()
		if err != nil {
			_ = v.Close()
			return err
		}

		fnErr := fn(v, password)
		if err := v.Close(); err != nil && fnErr == nil {
			return fmt.Errorf("saving vault: %w", err)
		}
		return fnErr
	})
}

// readPassword returns LEDGERVAULT_PASSWORD when set, otherwise prompts on
// the terminal without echo.
func readPassword(prompt string) (string, error) {
	if p, ok := os.LookupEnv(PasswordEnv); ok {
		return p, nil
	}
	return promptPassword(prompt)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// readNewPassword reads a password twice and requires both to match. The
// environment variable, when set, is used as-is.
func readNewPassword(prompt string) (string, error) {
	if p, ok := os.LookupEnv(PasswordEnv); ok {
		return p, nil
	}
	first, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errPasswordMismatch
	}
	return first, nil
}

// startSpinner shows a spinner on stderr while key derivation runs. It is
// silent when stderr is not a terminal.
func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	if term.IsTerminal(int(os.Stderr.Fd())) {
		s.Start()
	}
	cleanup := func() {
		if s.Active() {
			s.Stop()
			return
		}
		if s.FinalMSG != "" {
			fmt.Fprint(os.Stderr, s.FinalMSG)
		}
	}
	return s, cleanup
}

// parseValue accepts JSON, or stores anything else as a JSON string.
func parseValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	out, _ := json.Marshal(arg)
	return out
}

func printSuccess(msg string) {
	fmt.Println(color.GreenString("✓") + " " + msg)
}
