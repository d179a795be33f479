package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ledgervault/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	userID     string
	dataDir    string
	driver     string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "vaultctl manages an encrypted local ledger vault",
	Long: `Manage the encrypted local vault that holds a user's financial data:
create a profile, unlock and edit fields, rotate the password, seed legacy
plaintext and run the local agent API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		logger = newLogger(cfg.Log, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "default", "User whose vault to operate on")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Storage driver: memory, bbolt, sqlite, redis or postgres")
}

// loadConfig reads the config file, then applies flag overrides on top of
// file and environment values.
func loadConfig() (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	path := configPath
	if path == "" && dataDir != "" {
		if p := filepath.Join(dataDir, config.FileName); fileExists(p) {
			path = p
		}
	}
	if path != "" {
		c, err = config.Load(path)
	} else {
		c, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if driver != "" {
		c.Storage.Driver = driver
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("--user must not be empty")
	}
	return c, nil
}
