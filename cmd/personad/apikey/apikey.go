package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/db"
	"github.com/evermind-ai/persona-server/internal/db/models"
	"github.com/evermind-ai/persona-server/internal/db/repository"
	"github.com/evermind-ai/persona-server/internal/utils/hashutil"
	"github.com/evermind-ai/persona-server/internal/utils/randutil"
	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "api-key",
	Short: "Manage persona-server API keys",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// This overrides the root pre-run, so the config has to be loaded
		// here as well.
		if err := config.LoadEnvAndConfigFiles(); err != nil {
			return err
		}

		driver, err := db.NewConnection(cmd.Context(), config.MustGetConfig())
		if err != nil {
			if errors.Is(err, db.ErrNoDSN) {
				return fmt.Errorf("api keys need a database; set db.dsn in config.yaml or EVERMIND_DB_DSN")
			}
			return err
		}

		repo := repository.NewAPIKeyRepository(driver.GetDB())
		cmd.SetContext(context.WithValue(cmd.Context(), "apikey_repo", repo))
		return nil
	},
}

func init() {
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Creates a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			label, _ := cmd.Flags().GetString("label")

			key, err := randutil.RandomString(32)
			if err != nil {
				return err
			}

			mask := randutil.MaskString(key, 4, 4)
			repo := cmd.Context().Value("apikey_repo").(repository.IAPIKeyRepository)
			apiKey := models.NewAPIKey(label, hashutil.Sha3256Hash([]byte(key)), mask)

			if _, err := repo.Create(cmd.Context(), apiKey); err != nil {
				return err
			}

			// The plaintext key is shown exactly once; only its hash is stored.
			fmt.Printf("API key created: %s\n", key)
			return nil
		},
	}
	newCmd.Flags().String("label", "", "Human-readable label for the key")

	revokeCmd := &cobra.Command{
		Use:   "revoke <key>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			repo := cmd.Context().Value("apikey_repo").(repository.IAPIKeyRepository)

			if err := repo.RevokeByHash(cmd.Context(), hashutil.Sha3256Hash([]byte(key))); err != nil {
				return err
			}

			fmt.Println("API key revoked")
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := cmd.Context().Value("apikey_repo").(repository.IAPIKeyRepository)

			apiKeys, err := repo.List(cmd.Context())
			if err != nil {
				return err
			}

			if len(apiKeys) == 0 {
				fmt.Println("No API keys found")
				return nil
			}

			fmt.Println("API keys:")
			for _, apiKey := range apiKeys {
				fmt.Printf("%s  %s (Revoked: %t)\n", apiKey.KeyMask, apiKey.Label, apiKey.IsRevoked)
			}

			return nil
		},
	}

	Cmd.AddCommand(newCmd, revokeCmd, listCmd)
}
