package consensus

import (
	"context"
	"fmt"

	"provenance/internal/config"
	"provenance/internal/detect"
)

// CopyleaksProvider submits text to the Copyleaks AI writer detector.
type CopyleaksProvider struct {
	cfg    config.ProviderConfig
	client *probeClient
}

func NewCopyleaksProvider(cfg config.ProviderConfig, client *probeClient) *CopyleaksProvider {
	return &CopyleaksProvider{cfg: cfg, client: client}
}

func (p *CopyleaksProvider) Name() string    { return "copyleaks" }
func (p *CopyleaksProvider) Weight() float64 { return p.cfg.Weight }

func (p *CopyleaksProvider) Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote {
	weight := p.cfg.Weight
	if modality != detect.ModalityText {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "Copyleaks adapter is enabled for text content only.")
	}
	if p.cfg.APIKey == "" {
		return vote(p.Name(), 0.5, weight, StatusUnavailable, "Missing Copyleaks API key.")
	}
	if artifact.Text == "" {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No text payload provided.")
	}

	payload, status, err := p.client.postJSON(ctx, p.cfg.APIURL, map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	}, map[string]any{"text": artifact.Text})
	if err != nil {
		if ctx.Err() != nil {
			return vote(p.Name(), 0.5, weight, StatusUnavailable, fmt.Sprintf("probe timed out: %v", ctx.Err()))
		}
		return vote(p.Name(), 0.5, weight, StatusError, err.Error())
	}
	if status >= 400 {
		return vote(p.Name(), 0.5, weight, StatusError, fmt.Sprintf("HTTP %d", status))
	}

	probability, ok := extractProbability(payload)
	if !ok {
		return vote(p.Name(), 0.5, weight, StatusError, "Missing probability field in provider response.")
	}
	return vote(p.Name(), probability, weight, StatusOK, "External text detector vote.")
}
