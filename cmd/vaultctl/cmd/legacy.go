package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/vault"
)

var legacyFile string

var legacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Work with pre-vault plaintext data",
}

var legacyPutCmd = &cobra.Command{
	Use:   "put KEY [VALUE]",
	Short: "Store a plaintext legacy value to be migrated on the next unlock",
	Long: `Store VALUE under a legacy key the way the pre-vault application did.
KEY must be one of the known legacy keys or start with a legacy prefix.
VALUE must be JSON; use --file to read it from a file or "-" for stdin.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := legacyValue(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withRepository(cmd.Context(), func(repo storage.Repository) error {
			if err := vault.PutLegacy(repo, userID, args[0], value); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Stored legacy %s for %s", color.CyanString(args[0]), userID))
			return nil
		})
	},
}

var legacyKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the legacy keys and prefixes absorbed by migration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range vault.LegacyKeys {
			fmt.Println(k)
		}
		for _, p := range vault.LegacyPrefixes {
			fmt.Println(p + "*")
		}
	},
}

func legacyValue(args []string, stdin io.Reader) (json.RawMessage, error) {
	switch {
	case len(args) == 2 && legacyFile != "":
		return nil, fmt.Errorf("pass VALUE or --file, not both")
	case len(args) == 2:
		return json.RawMessage(args[1]), nil
	case legacyFile == "-":
		return io.ReadAll(stdin)
	case legacyFile != "":
		return os.ReadFile(legacyFile)
	default:
		return nil, fmt.Errorf("VALUE or --file is required")
	}
}

func init() {
	rootCmd.AddCommand(legacyCmd)
	legacyCmd.AddCommand(legacyPutCmd, legacyKeysCmd)
	legacyPutCmd.Flags().StringVarP(&legacyFile, "file", "f", "", "Read VALUE from this file (- for stdin)")
}
