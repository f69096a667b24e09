package consensus

import (
	"context"

	"provenance/internal/detect"
)

// Vote statuses, mirrored verbatim into response payloads.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusUnsupported = "unsupported"
	StatusError       = "error"
)

// Vote is one provider's opinion on a single artifact.
type Vote struct {
	Provider    string  `json:"provider"`
	Probability float64 `json:"probability"`
	Weight      float64 `json:"weight"`
	Status      string  `json:"status"`
	Rationale   string  `json:"rationale"`
}

// Summary is the aggregated consensus over all provider votes.
type Summary struct {
	FinalProbability float64 `json:"final_probability"`
	Threshold        float64 `json:"threshold"`
	IsAIGenerated    bool    `json:"is_ai_generated"`
	Disagreement     float64 `json:"disagreement"`
	Providers        []Vote  `json:"providers"`
}

// Provider is an external detection adapter. Probe never returns an error;
// failures are encoded in the vote status so the engine can degrade
// gracefully.
type Provider interface {
	Name() string
	Weight() float64
	Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote
}

func vote(provider string, probability, weight float64, status, rationale string) Vote {
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	if weight < 0 {
		weight = 0
	}
	return Vote{
		Provider:    provider,
		Probability: probability,
		Weight:      weight,
		Status:      status,
		Rationale:   rationale,
	}
}
