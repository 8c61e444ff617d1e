package safetyfilter

import (
	"testing"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name   string
		c      classification
		status VerdictStatus
	}{
		{"clean", classification{}, VerdictApproved},
		{"adult sexual alone", classification{Sexual: true}, VerdictApproved},
		{"fictional impersonation", classification{Sexual: true, Impersonation: []impersonation{{Name: "Captain Nemo"}}}, VerdictApproved},
		{"self harm", classification{SelfHarm: true}, VerdictRejected},
		{"minors and sexual", classification{Minors: true, Sexual: true}, VerdictRejected},
		{"minors and violence", classification{Minors: true, Violence: true}, VerdictRejected},
		{"minors alone", classification{Minors: true}, VerdictApproved},
		{"harassing a real person", classification{Harassment: true, Impersonation: []impersonation{{Name: "A. Person", RealPerson: true}}}, VerdictRejected},
		{"harassment without target", classification{Harassment: true}, VerdictApproved},
		{"real person sexual", classification{Sexual: true, Impersonation: []impersonation{{Name: "A. Person", RealPerson: true}}}, VerdictRejected},
		{"personal data", classification{PersonalData: true}, VerdictRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := decide(&tc.c)
			if v.Status != tc.status {
				t.Fatalf("expected %s, got %+v", tc.status, v)
			}
			if v.Status == VerdictRejected && v.Reason == "" {
				t.Fatal("a rejection must carry a reason")
			}
		})
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(&config.Config{}, zap.NewNop()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New(&config.Config{OpenAI: &config.OpenAIConfig{}}, zap.NewNop()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured for an empty key, got %v", err)
	}
}

func TestRefusalError(t *testing.T) {
	err := error(&RefusalError{Reason: "test"})
	if !IsRefusal(err) {
		t.Fatal("IsRefusal must match a RefusalError")
	}
	if IsRefusal(nil) {
		t.Fatal("IsRefusal must not match nil")
	}
}
