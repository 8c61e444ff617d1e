// Package safetyfilter screens inference queries through a moderation model
// before any persona work happens. The filter is optional; when no API key is
// configured the pipeline runs without it.
package safetyfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
)

type VerdictStatus string

const (
	VerdictApproved VerdictStatus = "approved"
	VerdictRejected VerdictStatus = "rejected"
)

type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

type classification struct {
	SelfHarm      bool            `json:"self_harm"`
	Minors        bool            `json:"minors"`
	Sexual        bool            `json:"sexual"`
	Violence      bool            `json:"violence"`
	Harassment    bool            `json:"harassment"`
	PersonalData  bool            `json:"personal_data"`
	Impersonation []impersonation `json:"impersonation"`
}

type impersonation struct {
	Name       string `json:"name"`
	RealPerson bool   `json:"real_person"`
}

type Filter struct {
	client *openai.Client
	logger *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) (*Filter, error) {
	if cfg.OpenAI == nil || cfg.OpenAI.APIKey == "" {
		return nil, ErrNotConfigured
	}

	return &Filter{
		client: openai.NewClient(option.WithAPIKey(cfg.OpenAI.APIKey)),
		logger: logger.Named("safetyfilter"),
	}, nil
}

func (f *Filter) classify(ctx context.Context, query string) (*classification, error) {
	completion, err := f.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf("Message: %s", query)),
		}),
		ResponseFormat: openai.F[openai.ChatCompletionNewParamsResponseFormatUnion](
			openai.ResponseFormatJSONObjectParam{
				Type: openai.F(openai.ResponseFormatJSONObjectTypeJSONObject),
			},
		),
		Seed:        openai.F(int64(time.Now().Unix())),
		Model:       openai.F(openai.ChatModelGPT4o),
		Temperature: openai.F(0.2),
	})
	if err != nil {
		return nil, err
	}

	if len(completion.Choices) == 0 || len(completion.Choices[0].Message.Content) == 0 {
		return nil, fmt.Errorf("could not classify query")
	}

	var c classification
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &c); err != nil {
		return nil, fmt.Errorf("could not parse classification: %w", err)
	}

	return &c, nil
}

// Screen classifies a query and returns the policy verdict.
func (f *Filter) Screen(ctx context.Context, query string) (*Verdict, error) {
	c, err := f.classify(ctx, query)
	if err != nil {
		return nil, err
	}

	return decide(c), nil
}

// Check implements the inference pipeline's filter hook. A rejected query
// surfaces as a RefusalError; a classifier outage fails the request rather
// than waving the query through.
func (f *Filter) Check(ctx context.Context, query string) error {
	verdict, err := f.Screen(ctx, query)
	if err != nil {
		return fmt.Errorf("safety screen: %w", err)
	}

	if verdict.Status == VerdictRejected {
		f.logger.Info("query refused", zap.String("reason", verdict.Reason))
		return &RefusalError{Reason: verdict.Reason}
	}

	return nil
}

func decide(c *classification) *Verdict {
	switch {
	case c.SelfHarm:
		return &Verdict{Status: VerdictRejected, Reason: "seeks self-harm encouragement or instructions"}
	case c.Minors && c.Sexual:
		return &Verdict{Status: VerdictRejected, Reason: "contains sexual content involving minors"}
	case c.Minors && c.Violence:
		return &Verdict{Status: VerdictRejected, Reason: "contains violent content involving minors"}
	case c.Harassment && hasRealPerson(c.Impersonation):
		return &Verdict{Status: VerdictRejected, Reason: "targets a real person with harassment"}
	case c.Sexual && hasRealPerson(c.Impersonation):
		return &Verdict{Status: VerdictRejected, Reason: "contains real-person sexual content"}
	case c.PersonalData:
		return &Verdict{Status: VerdictRejected, Reason: "asks for private personal data"}
	}

	return &Verdict{Status: VerdictApproved}
}

func hasRealPerson(people []impersonation) bool {
	for _, p := range people {
		if p.RealPerson {
			return true
		}
	}
	return false
}
