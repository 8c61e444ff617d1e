package templates

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `host: localhost
port: 8881
environment: development
filesystem_type: local

capacity:
  total_gb: 64
  max_ready_deployments: 3

worker:
  command: python3
  args: ["-u", "-m", "persona_runtime"]
  load_timeout_secs: 300

scheduler:
  tick_ms: 2000
  max_retries: 3

inference:
  max_retries: 2
  attempt_timeout_secs: 30
  attempt_timeout_step_secs: 10
  context_limit: 10

health:
  interval_secs: 30
  error_threshold: 5
  error_window_secs: 300

db:
  dsn: ""

# s3:
#   endpoint_url: "https://nyc3.digitaloceanspaces.com"
#   region_name: "nyc3"
#   bucket_name: "evermind-artifacts"
#   folder: "public"
#   access_key: ""
#   secret_key: ""
#   public_url: "https://artifacts.evermind.ai"

# pulsar:
#   url: "pulsar://localhost:6650"

# voice:
#   endpoint: "https://voice.evermind.ai/api/v1/synthesize"
#   api_key: ""
#   timeout_secs: 20

# openai:
#   api_key: ""
`

const envTemplate = `# Environment overrides for personad. Values here take precedence over
# config.yaml. Secrets belong here, not in the yaml file.
# EVERMIND_PORT=8881
# EVERMIND_DB_DSN=file:data/journal.db
# EVERMIND_S3_ACCESS_KEY=
# EVERMIND_S3_SECRET_KEY=
# EVERMIND_VOICE_API_KEY=
# EVERMIND_OPENAI_API_KEY=
`

func GetConfigTemplate() string {
	return configTemplate
}

func WriteConfig(path string) error {
	return writeFile(path, configTemplate)
}

func WriteEnv(path string) error {
	return writeFile(path, envTemplate)
}

func writeFile(path string, content string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(content)
	if err != nil {
		return err
	}

	return nil
}

// CreateHomeDirs creates the evermind home directory and the standard
// subdirectories used by the daemon.
func CreateHomeDirs(home string) error {
	if err := os.MkdirAll(home, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create evermind home directory: %w", err)
	}

	for _, subdir := range []string{"assets", "models", "temp", "data"} {
		dir := filepath.Join(home, subdir)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", subdir, err)
		}
	}

	return nil
}
