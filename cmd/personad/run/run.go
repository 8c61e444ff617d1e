package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the persona orchestrator",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", 8881, "Port to run the server on")
	flags.String("host", "localhost", "Host to run the server on")
	flags.String("environment", "dev", "Environment configuration")
	flags.Bool("disable-auth", false, "Disable authentication when receiving requests")
	flags.StringSlice("warm-deployments", []string{}, "user:version pairs to deploy on startup, version optional")
	flags.String("filesystem-type", "local", "Filesystem type: 'local' or 's3'")

	flags.Float64("capacity-gb", 64, "Total accelerator memory budget in GB")
	flags.String("worker-command", "", "Command used to spawn model runtime workers")

	flags.String("db-dsn", "", "Database DSN (Connection URL or Path)")
	flags.String("pulsar-url", "", "URL of the pulsar broker. Example: pulsar+ssl://my-cluster.streamnative.cloud:6651")

	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region-name", "", "S3 region name")
	flags.String("s3-bucket-name", "", "S3 bucket name")
	flags.String("s3-folder", "", "S3 folder")
	flags.String("s3-public-url", "", "Public URL for S3 files")
	flags.String("s3-endpoint-url", "", "S3 endpoint URL")

	viper.BindPFlags(flags)

	// Keys whose flag spelling differs from the config key
	viper.BindPFlag("disable_auth", flags.Lookup("disable-auth"))
	viper.BindPFlag("warm_deployments", flags.Lookup("warm-deployments"))
	viper.BindPFlag("filesystem_type", flags.Lookup("filesystem-type"))
	viper.BindPFlag("capacity.total_gb", flags.Lookup("capacity-gb"))
	viper.BindPFlag("worker.command", flags.Lookup("worker-command"))
	viper.BindPFlag("db.dsn", flags.Lookup("db-dsn"))
	viper.BindPFlag("pulsar.url", flags.Lookup("pulsar-url"))
	viper.BindPFlag("s3.access_key", flags.Lookup("s3-access-key"))
	viper.BindPFlag("s3.secret_key", flags.Lookup("s3-secret-key"))
	viper.BindPFlag("s3.region_name", flags.Lookup("s3-region-name"))
	viper.BindPFlag("s3.bucket_name", flags.Lookup("s3-bucket-name"))
	viper.BindPFlag("s3.folder", flags.Lookup("s3-folder"))
	viper.BindPFlag("s3.public_url", flags.Lookup("s3-public-url"))
	viper.BindPFlag("s3.endpoint_url", flags.Lookup("s3-endpoint-url"))

	bindEnvs()
}

func bindEnvs() {
	// Core settings (will use EVERMIND_ prefix)
	// Example: EVERMIND_PORT
	viper.BindEnv("port")
	viper.BindEnv("host")
	viper.BindEnv("environment")
	viper.BindEnv("disable_auth")
	viper.BindEnv("warm_deployments")
	viper.BindEnv("filesystem_type")

	viper.BindEnv("capacity.total_gb")
	viper.BindEnv("worker.command")
	viper.BindEnv("db.dsn")
	viper.BindEnv("pulsar.url")

	// S3 environment bindings (will automatically use EVERMIND_ prefix)
	// example: EVERMIND_S3_ACCESS_KEY
	viper.BindEnv("s3.access_key")
	viper.BindEnv("s3.secret_key")
	viper.BindEnv("s3.region_name")
	viper.BindEnv("s3.bucket_name")
	viper.BindEnv("s3.folder")
	viper.BindEnv("s3.public_url")
	viper.BindEnv("s3.endpoint_url")

	// Voice synthesis sidecar
	viper.BindEnv("voice.endpoint")
	viper.BindEnv("voice.api_key")

	// External API services (does NOT use EVERMIND_ prefix)
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
}

func runApp(_ *cobra.Command, _ []string) error {
	errc := make(chan error, 2)
	signalc := make(chan os.Signal, 1)

	app, err := createNewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	server, err := runServer(app, errc)
	if err != nil {
		return err
	}

	app.Trainer.Start()
	app.Health.Start()
	warmDeployments(app)

	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-signalc:
		server.Stop(app.Context())
		return nil
	}
}

func createNewApp() (*app.App, error) {
	cfg := config.MustGetConfig()

	options := []app.OptionFunc{
		app.WithMQ(),
		app.WithDBInitialization(),
		app.WithJournal(),
		app.WithFileUploader(),
	}
	if cfg.OpenAI != nil && cfg.OpenAI.APIKey != "" {
		options = append(options, app.WithSafetyFilter())
	}
	if cfg.Voice != nil && cfg.Voice.Endpoint != "" {
		options = append(options, app.WithVoice())
	}
	options = append(options,
		app.WithCapacity(),
		app.WithDeployments(),
		app.WithTrainer(),
		app.WithInference(),
		app.WithHealth(),
		app.WithMetrics(),
	)

	a, err := app.NewApp(cfg, options...)
	if err != nil {
		return nil, err
	}

	// The daemon cannot serve without these; options only log their errors.
	if a.Trainer == nil || a.Deployments == nil || a.Inference == nil || a.Health == nil {
		a.Close()
		return nil, fmt.Errorf("application wiring incomplete, see log for the failed component")
	}

	return a, nil
}

// warmDeployments loads the configured models before traffic arrives. A warm
// entry is "user" or "user:version". Failures are logged, not fatal; the
// model can still be deployed lazily on first request.
func warmDeployments(a *app.App) {
	for _, entry := range a.Config().WarmDeployments {
		user, versionStr, hasVersion := strings.Cut(entry, ":")
		if user == "" {
			a.Logger.Warn("skipping malformed warm deployment", zap.String("entry", entry))
			continue
		}

		version := 0
		if hasVersion {
			n, err := strconv.Atoi(versionStr)
			if err != nil {
				a.Logger.Warn("skipping malformed warm deployment", zap.String("entry", entry))
				continue
			}
			version = n
		}

		id, err := a.Deployments.Deploy(a.Context(), user, "", version)
		if err != nil {
			a.Logger.Warn("warm deployment failed",
				zap.String("owner_user_id", user),
				zap.Int("version", version),
				zap.Error(err))
			continue
		}
		a.Logger.Info("warm deployment ready",
			zap.String("deployment_id", id),
			zap.String("owner_user_id", user))
	}
}

func runServer(app *app.App, errc chan<- error) (*server.Server, error) {
	server, err := server.NewServer(app.Config())
	if err != nil {
		return nil, err
	}

	// Setup the server routes
	server.SetupRoutes(app)

	go func() {
		fmt.Printf("Persona server started on port %v\n", app.Config().Port)
		errc <- server.Start()
	}()

	return server, nil
}
