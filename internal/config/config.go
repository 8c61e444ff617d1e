package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evermind-ai/persona-server/internal/templates"
	"github.com/evermind-ai/persona-server/internal/utils/pathutil"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	FilesystemLocal = "local"
	FilesystemS3    = "s3"
)

const envPrefix = "EVERMIND"

type Config struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	Environment     string   `mapstructure:"environment"`
	EvermindHome    string   `mapstructure:"evermind_home"`
	AssetsDir       string   `mapstructure:"assets_dir"`
	ModelsDir       string   `mapstructure:"models_dir"`
	TempDir         string   `mapstructure:"temp_dir"`
	Filesystem      string   `mapstructure:"filesystem_type"`
	DisableAuth     bool     `mapstructure:"disable_auth"`
	WarmDeployments []string `mapstructure:"warm_deployments"`

	Capacity  CapacityConfig  `mapstructure:"capacity"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Inference InferenceConfig `mapstructure:"inference"`
	Health    HealthConfig    `mapstructure:"health"`
	DB        DBConfig        `mapstructure:"db"`

	Pulsar *PulsarConfig `mapstructure:"pulsar"`
	S3     *S3Config     `mapstructure:"s3"`
	Voice  *VoiceConfig  `mapstructure:"voice"`
	OpenAI *OpenAIConfig `mapstructure:"openai"`
}

// CapacityConfig bounds the accelerator memory budget shared by training
// jobs and model deployments.
type CapacityConfig struct {
	TotalGB               float64 `mapstructure:"total_gb"`
	MaxReadyDeployments   int     `mapstructure:"max_ready_deployments"`
	OptimizeUtilization   float64 `mapstructure:"optimize_utilization"`
	OptimizeFragmentation float64 `mapstructure:"optimize_fragmentation"`
}

// WorkerConfig describes how the external model-runtime process is spawned.
type WorkerConfig struct {
	Command         string   `mapstructure:"command"`
	Args            []string `mapstructure:"args"`
	LoadTimeoutSecs int      `mapstructure:"load_timeout_secs"`
	StopTimeoutSecs int      `mapstructure:"stop_timeout_secs"`
}

func (c WorkerConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSecs) * time.Second
}

func (c WorkerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSecs) * time.Second
}

type SchedulerConfig struct {
	TickMs             int `mapstructure:"tick_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	RunTimeoutFloorMin int `mapstructure:"run_timeout_floor_min"`
	RunTimeoutCeilMin  int `mapstructure:"run_timeout_ceil_min"`
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

type InferenceConfig struct {
	MaxRetries             int `mapstructure:"max_retries"`
	AttemptTimeoutSecs     int `mapstructure:"attempt_timeout_secs"`
	AttemptTimeoutStepSecs int `mapstructure:"attempt_timeout_step_secs"`
	ContextLimit           int `mapstructure:"context_limit"`
}

func (c InferenceConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSecs) * time.Second
}

func (c InferenceConfig) AttemptTimeoutStep() time.Duration {
	return time.Duration(c.AttemptTimeoutStepSecs) * time.Second
}

type HealthConfig struct {
	IntervalSecs    int `mapstructure:"interval_secs"`
	ErrorThreshold  int `mapstructure:"error_threshold"`
	ErrorWindowSecs int `mapstructure:"error_window_secs"`
}

func (c HealthConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

func (c HealthConfig) ErrorWindow() time.Duration {
	return time.Duration(c.ErrorWindowSecs) * time.Second
}

// DBConfig points the journal at a database. An empty DSN leaves the
// journal in log-only mode.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type PulsarConfig struct {
	URL string `mapstructure:"url"`
}

type S3Config struct {
	Folder      string `mapstructure:"folder"`
	Region      string `mapstructure:"region_name"`
	Bucket      string `mapstructure:"bucket_name"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	EndpointUrl string `mapstructure:"endpoint_url"`
	PublicUrl   string `mapstructure:"public_url"`
}

type VoiceConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	APIKey       string `mapstructure:"api_key"`
	TimeoutSecs  int    `mapstructure:"timeout_secs"`
	DefaultVoice string `mapstructure:"default_voice"`
}

func (c VoiceConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
}

var config *Config

// LoadEnvAndConfigFiles resolves the evermind home directory, creates it
// (with example templates) on first run, loads .env and config.yaml from it,
// and unmarshals the merged settings. Environment variables carry the
// EVERMIND_ prefix and override file values.
func LoadEnvAndConfigFiles() error {
	evermindHome, err := getEvermindHome()
	if err != nil {
		return err
	}

	assetsDir, err := getSubDir(evermindHome, "assets_dir", "assets")
	if err != nil {
		return err
	}

	modelsDir, err := getSubDir(evermindHome, "models_dir", "models")
	if err != nil {
		return err
	}

	tempDir, err := getSubDir(evermindHome, "temp_dir", "temp")
	if err != nil {
		return err
	}

	viper.Set("evermind_home", evermindHome)
	viper.Set("assets_dir", assetsDir)
	viper.Set("models_dir", modelsDir)
	viper.Set("temp_dir", tempDir)

	if err := templates.CreateHomeDirs(evermindHome); err != nil {
		return err
	}

	envFile := filepath.Join(evermindHome, ".env")
	configFile := filepath.Join(evermindHome, "config.yaml")

	if _, err := os.Stat(envFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat .env file: %w", err)
		}

		if err := templates.WriteEnv(envFile); err != nil {
			return fmt.Errorf("failed to create .env file: %w", err)
		}
	}

	if _, err := os.Stat(configFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config.yaml file: %w", err)
		}

		if err := templates.WriteConfig(configFile); err != nil {
			return fmt.Errorf("failed to create config.yaml file: %w", err)
		}
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))
	viper.SetConfigFile(configFile)
	setDefaults()

	if err := loadConfig(); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			fmt.Println("No config file found. Using default config.")
		} else {
			return err
		}
	}

	return nil
}

func loadConfig() error {
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	config = &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	return nil
}

func GetConfig() *Config {
	return config
}

func MustGetConfig() *Config {
	if config == nil {
		panic("config not loaded")
	}

	return config
}

// Returns the evermind home directory path.
// It attempts to retrieve it from the following sources in order:
// 1. The `evermind_home` flag from viper.
// 2. The `EVERMIND_HOME` environment variable.
// 3. The default home directory.
func getEvermindHome() (string, error) {
	evermindHome := viper.GetString("evermind_home")
	if evermindHome == "" {
		evermindHome = os.Getenv("EVERMIND_HOME")
		if evermindHome == "" {
			evermindHome = DefaultEvermindHome
		}
	}

	evermindHome, err := pathutil.ExpandPath(evermindHome)
	if err != nil {
		return "", fmt.Errorf("failed to expand evermind home path: %w", err)
	}

	return evermindHome, nil
}

func getSubDir(evermindHome, key, name string) (string, error) {
	if evermindHome == "" {
		return "", ErrEvermindHomeNotSet
	}

	dir := viper.GetString(key)
	if dir == "" {
		dir = filepath.Join(evermindHome, name)
	}

	dir, err := pathutil.ExpandPath(dir)
	if err != nil {
		return "", ErrEvermindHomeExpandFailed
	}

	return dir, nil
}
