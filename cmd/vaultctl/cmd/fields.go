package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ledgervault/vault"
)

var setVersion int

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List the fields stored in the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlockedVault(cmd.Context(), func(v *vault.Vault, _ string) error {
			s := v.Session()
			names := s.FieldNames()
			if len(names) == 0 {
				fmt.Println(color.YellowString("No fields stored"))
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tUPDATED")
			for _, name := range names {
				meta, _ := s.FieldMeta(name)
				updated := "-"
				if !meta.LastUpdated.IsZero() {
					updated = meta.LastUpdated.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, meta.Version, updated)
			}
			return tw.Flush()
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a field's JSON value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlockedVault(cmd.Context(), func(v *vault.Vault, _ string) error {
			value := v.GetField(args[0])
			if value == nil {
				return fmt.Errorf("field %q not found", args[0])
			}
			var out bytes.Buffer
			if err := json.Indent(&out, value, "", "  "); err != nil {
				return err
			}
			fmt.Println(out.String())
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Set a field",
	Long: `Set a field to VALUE. VALUE is parsed as JSON; anything that is not
valid JSON is stored as a string.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlockedVault(cmd.Context(), func(v *vault.Vault, _ string) error {
			if err := v.SetField(args[0], parseValue(args[1]), vault.FieldMeta{Version: setVersion}); err != nil {
				return err
			}
			if err := v.Flush(cmd.Context()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Set %s", color.CyanString(args[0])))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUnlockedVault(cmd.Context(), func(v *vault.Vault, _ string) error {
			if v.GetField(args[0]) == nil {
				return fmt.Errorf("field %q not found", args[0])
			}
			if err := v.DeleteField(args[0]); err != nil {
				return err
			}
			if err := v.Flush(cmd.Context()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Deleted %s", color.CyanString(args[0])))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(fieldsCmd, getCmd, setCmd, deleteCmd)
	setCmd.Flags().IntVar(&setVersion, "version", 0, "Field schema version to record (0 keeps the current one)")
}
