package types

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn. Conversation contexts are bounded; see
// the inference pipeline for the trimming policy.
type Message struct {
	Role      string    `json:"role" msgpack:"role"`
	Content   string    `json:"content" msgpack:"content"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

type InferenceRequest struct {
	DeploymentID        string    `json:"deployment_id,omitempty" msgpack:"deployment_id,omitempty"`
	UserID              string    `json:"user_id" msgpack:"user_id"`
	Query               string    `json:"query" msgpack:"query"`
	MaxTokens           int       `json:"max_tokens,omitempty" msgpack:"max_tokens,omitempty"`
	Temperature         float64   `json:"temperature,omitempty" msgpack:"temperature,omitempty"`
	IncludeVoice        bool      `json:"include_voice,omitempty" msgpack:"include_voice,omitempty"`
	ConversationHistory []Message `json:"conversation_history,omitempty" msgpack:"conversation_history,omitempty"`
}

type AttemptInfo struct {
	Number    int    `json:"number"`
	Cause     string `json:"cause"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type VoiceSynthesis struct {
	URL        string `json:"url,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type InferenceResponse struct {
	ID             string          `json:"id"`
	DeploymentID   string          `json:"deployment_id"`
	Text           string          `json:"text"`
	TokenCount     int             `json:"token_count"`
	LatencyMs      int64           `json:"latency_ms"`
	Confidence     float64         `json:"confidence"`
	EmotionalTone  string          `json:"emotional_tone,omitempty"`
	VoiceSynthesis *VoiceSynthesis `json:"voice_synthesis,omitempty"`
	Attempts       []AttemptInfo   `json:"attempts,omitempty"`
}

// InferenceErrorRecord captures one failed dispatch attempt. The health
// monitor reads recent records to detect degraded deployments.
type InferenceErrorRecord struct {
	DeploymentID    string    `json:"deployment_id"`
	OwnerUserID     string    `json:"owner_user_id"`
	Cause           string    `json:"cause"`
	RetryAttempt    int       `json:"retry_attempt"`
	Timestamp       time.Time `json:"timestamp"`
	ContextSnapshot []Message `json:"context_snapshot,omitempty"`
}
