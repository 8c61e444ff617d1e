package webhookutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// Invoke posts data as JSON to the given URL. Any 2xx-class status the
// receiver is expected to answer with (200, 201, 202) counts as delivered.
func Invoke[T any](ctx context.Context, url string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to invoke webhook: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("webhook returned unexpected status: %d", resp.StatusCode)
	}
}

// InvokeWithRetries retries failed deliveries with exponential backoff, up to
// maxAttempts total attempts. It stops early if ctx is cancelled.
func InvokeWithRetries[T any](ctx context.Context, url string, data T, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1))
	return backoff.Retry(func() error {
		return Invoke(ctx, url, data)
	}, backoff.WithContext(policy, ctx))
}
