package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

var (
	serverURL string
	apiKey    string
)

var Cmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and follow training jobs on a running persona server",
}

func init() {
	pflags := Cmd.PersistentFlags()
	pflags.StringVar(&serverURL, "server", "http://localhost:8881", "Base URL of the persona server")
	pflags.StringVar(&apiKey, "api-key", "", "API key; falls back to EVERMIND_API_KEY")

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a training job",
		RunE:  submitJob,
	}
	flags := submitCmd.Flags()
	flags.String("owner", "", "User the persona model belongs to")
	flags.String("priority", "medium", "Queue priority: low, medium or high")
	flags.Float64("memory-gb", 2, "Accelerator memory the job needs in GB")
	flags.Int("duration-min", 0, "Estimated duration in minutes, used for the run timeout")
	flags.String("base-model", "", "Base model to finetune")
	flags.String("dataset", "", "Dataset path or URL")
	flags.Int("epochs", 0, "Number of training epochs")
	flags.Float64("learning-rate", 0, "Learning rate")
	flags.String("webhook", "", "URL to POST the final job record to")
	flags.Bool("watch", false, "Follow the job's progress after submitting")
	submitCmd.MarkFlagRequired("owner")

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJob(cmd.Context(), args[0])
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd.Context(), args[0])
		},
	}

	Cmd.AddCommand(submitCmd, statusCmd, watchCmd)
}

func newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	key := apiKey
	if key == "" {
		key = os.Getenv("EVERMIND_API_KEY")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req, nil
}

func decodeOrFail(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &remote) == nil && remote.Message != "" {
			return fmt.Errorf("server: %s", remote.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func submitJob(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	owner, _ := flags.GetString("owner")
	priority, _ := flags.GetString("priority")
	memoryGB, _ := flags.GetFloat64("memory-gb")
	durationMin, _ := flags.GetInt("duration-min")
	baseModel, _ := flags.GetString("base-model")
	dataset, _ := flags.GetString("dataset")
	epochs, _ := flags.GetInt("epochs")
	learningRate, _ := flags.GetFloat64("learning-rate")
	webhook, _ := flags.GetString("webhook")
	watch, _ := flags.GetBool("watch")

	sub := types.JobSubmission{
		OwnerUserID:              owner,
		Priority:                 types.Priority(priority),
		Resources:                types.ResourceRequirement{MemoryGB: memoryGB},
		EstimatedDurationMinutes: durationMin,
		TrainingConfig: types.TrainingConfig{
			BaseModel:    baseModel,
			DatasetPath:  dataset,
			Epochs:       epochs,
			LearningRate: learningRate,
		},
		WebhookUrl: webhook,
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	req, err := newRequest(cmd.Context(), http.MethodPost, "/api/v1/training/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}

	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeOrFail(resp, &submitted); err != nil {
		return err
	}

	fmt.Printf("Job %s %s\n", submitted.ID, submitted.Status)
	if watch {
		return watchJob(cmd.Context(), submitted.ID)
	}
	return nil
}

func printJob(ctx context.Context, id string) error {
	req, err := newRequest(ctx, http.MethodGet, "/api/v1/training/jobs/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}

	var fetched struct {
		Data types.TrainingJob `json:"data"`
	}
	if err := decodeOrFail(resp, &fetched); err != nil {
		return err
	}

	out, err := json.MarshalIndent(fetched.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// watchJob renders the job's SSE progress stream as a progress bar. It
// returns a non-nil error when the job ends in failure.
func watchJob(ctx context.Context, id string) error {
	req, err := newRequest(ctx, http.MethodGet, "/api/v1/training/jobs/"+id+"/stream", nil)
	if err != nil {
		return err
	}

	// No client timeout: the stream stays open for the whole run.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeOrFail(resp, nil)
	}

	progress := mpb.New(
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	var mu sync.Mutex
	detail := "waiting"
	bar := progress.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(id, decor.WC{W: len(id) + 1, C: decor.DidentRight}),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				mu.Lock()
				defer mu.Unlock()
				return " " + detail
			}),
		),
	)

	var final types.ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event types.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		mu.Lock()
		switch {
		case event.Kind == types.ProgressEventEpoch:
			detail = fmt.Sprintf("epoch %d loss %.4f", event.Epoch, event.Loss)
		case event.Message != "":
			detail = event.Message
		default:
			detail = event.Kind
		}
		mu.Unlock()

		bar.SetCurrent(int64(event.Progress * 100))
		if event.Terminal() {
			final = event
			break
		}
	}

	if final.Kind == types.ProgressEventCompleted {
		bar.SetCurrent(100)
	} else {
		bar.Abort(false)
	}
	progress.Wait()

	switch final.Kind {
	case types.ProgressEventCompleted:
		fmt.Println("Training completed")
		return nil
	case types.ProgressEventFailed:
		return fmt.Errorf("training failed: %s", final.Message)
	case types.ProgressEventCancelled:
		fmt.Println("Training cancelled")
		return nil
	default:
		if err := scanner.Err(); err != nil {
			return err
		}
		return fmt.Errorf("progress stream ended before the job finished")
	}
}
