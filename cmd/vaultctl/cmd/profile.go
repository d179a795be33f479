package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/vault"
)

var (
	initKDF   string
	rotateKDF string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a profile and seal the user's vault with a password",
	Long: `Create the per-user salt and KDF profile, then unlock once so the
encrypted vault and its password sentinel are written. Any legacy plaintext
already stored for the user is migrated at this point.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kdfName := initKDF
		if kdfName == "" {
			kdfName = cfg.KDF.Algorithm
		}
		kdf, err := crypto.ParseKDF(kdfName)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withRepository(ctx, func(repo storage.Repository) error {
			password, err := readNewPassword("New vault password: ")
			if err != nil {
				return err
			}
			if _, err := vault.InitProfile(repo, userID, kdf); err != nil {
				return err
			}
			if err := sealVault(ctx, repo, password); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Vault initialised for %s (%s)", color.CyanString(userID), kdf))
			return nil
		})
	},
}

// sealVault unlocks once with the freshly created profile so the first
// encrypted write happens, then flushes and locks.
func sealVault(ctx context.Context, repo storage.Repository, password string) error {
	v := vault.New(repo, vaultOptions(cfg, nil)...)
	s, cleanup := startSpinner("Deriving key...")
	err := v.UnlockWithProfile(ctx, password, userID)
	if err != nil {
		s.FinalMSG = color.RedString("✗") + " Could not seal vault\n"
	}
	cleanup()
	if closeErr := v.Close(); err == nil {
		err = closeErr
	}
	return err
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Change the vault password",
	Long: `Re-encrypt the vault under a key derived from a new password and a
fresh salt. The old password stops working once this succeeds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var kdf crypto.KDF
		if rotateKDF != "" {
			k, err := crypto.ParseKDF(rotateKDF)
			if err != nil {
				return err
			}
			kdf = k
		}
		return withUnlockedVault(cmd.Context(), func(v *vault.Vault, oldPassword string) error {
			newPassword, err := promptNewPassword()
			if err != nil {
				return err
			}
			s, cleanup := startSpinner("Re-encrypting vault...")
			p, err := v.Rotate(cmd.Context(), oldPassword, newPassword, kdf)
			if err != nil {
				s.FinalMSG = color.RedString("✗") + " Rotation failed\n"
			}
			cleanup()
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Password rotated (%s)", p.KDF))
			return nil
		})
	},
}

// promptNewPassword always prompts, since LEDGERVAULT_PASSWORD already holds
// the current password during rotation.
func promptNewPassword() (string, error) {
	first, err := promptPassword("New vault password: ")
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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the user's vault state without unlocking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd.Context(), func(repo storage.Repository) error {
			st, err := readStatus(repo, userID)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		})
	},
}

type vaultStatus struct {
	UserID      string
	Profile     *vault.Profile
	BlobVersion uint64
	Encrypted   bool
	Migration   *vault.MigrationRecord
}

func readStatus(repo storage.Repository, user string) (*vaultStatus, error) {
	st := &vaultStatus{UserID: user}

	p, err := vault.LoadProfile(repo, user)
	switch {
	case err == nil:
		st.Profile = p
	case !errors.Is(err, vault.ErrProfileNotFound):
		return nil, err
	}

	rec, err := repo.Get(user, vault.KeyBlob)
	switch {
	case err == nil:
		st.BlobVersion = rec.Version
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	m := vault.NewLegacyMigrator(repo)
	if st.Encrypted, err = m.Encrypted(user); err != nil {
		return nil, err
	}
	rec2, err := m.Completion(user)
	switch {
	case err == nil:
		st.Migration = rec2
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return st, nil
}

func printStatus(st *vaultStatus) {
	fmt.Printf("User:        %s\n", color.CyanString(st.UserID))
	if st.Profile == nil {
		fmt.Printf("Profile:     %s\n", color.YellowString("none"))
	} else {
		fmt.Printf("Profile:     %s\n", st.Profile.KDF)
	}
	if st.BlobVersion == 0 {
		fmt.Printf("Vault:       %s\n", color.YellowString("not created"))
	} else {
		fmt.Printf("Vault:       %s (version %d)\n", color.GreenString("encrypted"), st.BlobVersion)
	}
	if st.Encrypted {
		fmt.Printf("Legacy data: %s\n", color.GreenString("cleared"))
	} else {
		fmt.Printf("Legacy data: %s\n", color.YellowString("pending migration"))
	}
	if st.Migration != nil {
		fmt.Printf("Migrated:    %s\n", st.Migration.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
}

func init() {
	rootCmd.AddCommand(initCmd, rotateCmd, statusCmd)
	initCmd.Flags().StringVar(&initKDF, "kdf", "", "Key derivation function: argon2id or pbkdf2 (default from config)")
	rotateCmd.Flags().StringVar(&rotateKDF, "kdf", "", "Switch to this key derivation function while rotating")
}
