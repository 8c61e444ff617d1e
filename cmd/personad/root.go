package cmd

import (
	"fmt"
	"os"
	"strings"

	// Subcommands
	apikey "github.com/evermind-ai/persona-server/cmd/personad/apikey"
	jobs "github.com/evermind-ai/persona-server/cmd/personad/jobs"
	run "github.com/evermind-ai/persona-server/cmd/personad/run"
	"github.com/evermind-ai/persona-server/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const evermindPrefix = "EVERMIND"

var Cmd = &cobra.Command{
	Use:   "personad",
	Short: "Evermind persona orchestrator",
	Long:  "Runs personalized model training and inference on a single accelerator, with a bounded memory budget shared by training jobs and deployed models",

	// Runs before this command and any subcommands
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set global viper options
		viper.SetEnvPrefix(evermindPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(
			`-`, `_`, // convert hyphens to underscores
			`.`, `_`, // convert dots to underscores
		))
		viper.AutomaticEnv()

		// Bind all flags from the current command persistent parent flags
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		// Load config and env files
		if err := config.LoadEnvAndConfigFiles(); err != nil {
			return err
		}

		return nil
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("evermind-home", "", "Path to the evermind home directory")
	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file")

	// Without this, viper will treat every dot (.) in a key as a delimiter
	viper.KeyDelimiter(":::")

	// Bind flags to viper
	viper.BindPFlag("evermind_home", pflags.Lookup("evermind-home"))
	viper.BindPFlag("config_file", pflags.Lookup("config-file"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))

	// Add subcommands
	Cmd.AddCommand(run.Cmd, apikey.Cmd, jobs.Cmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
