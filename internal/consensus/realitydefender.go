package consensus

import (
	"context"
	"fmt"

	"provenance/internal/config"
	"provenance/internal/detect"
)

// RealityDefenderProvider submits text or media to Reality Defender's
// multimodal detection API.
type RealityDefenderProvider struct {
	cfg    config.ProviderConfig
	client *probeClient
}

func NewRealityDefenderProvider(cfg config.ProviderConfig, client *probeClient) *RealityDefenderProvider {
	return &RealityDefenderProvider{cfg: cfg, client: client}
}

func (p *RealityDefenderProvider) Name() string    { return "reality_defender" }
func (p *RealityDefenderProvider) Weight() float64 { return p.cfg.Weight }

func (p *RealityDefenderProvider) Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote {
	weight := p.cfg.Weight
	if p.cfg.APIKey == "" {
		return vote(p.Name(), 0.5, weight, StatusUnavailable, "Missing Reality Defender API key.")
	}
	if modality == detect.ModalityText && artifact.Text == "" {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No text payload provided.")
	}
	if modality != detect.ModalityText && len(artifact.Binary) == 0 {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No binary payload provided.")
	}

	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	var payload []byte
	var status int
	var err error
	if modality == detect.ModalityText {
		payload, status, err = p.client.postJSON(ctx, p.cfg.APIURL, headers, map[string]any{
			"modality": "text",
			"text":     artifact.Text,
		})
	} else {
		filename := artifact.Filename
		if filename == "" {
			filename = modality + ".bin"
		}
		payload, status, err = p.client.postMultipart(ctx, p.cfg.APIURL, headers,
			"file", filename, artifact.Binary, map[string]string{"modality": modality})
	}
	if err != nil {
		if ctx.Err() != nil {
			return vote(p.Name(), 0.5, weight, StatusUnavailable, fmt.Sprintf("probe timed out: %v", ctx.Err()))
		}
		return vote(p.Name(), 0.5, weight, StatusError, err.Error())
	}
	if status >= 400 {
		label := "error"
		if status == 429 {
			label = "rate_limited"
		}
		return vote(p.Name(), 0.5, weight, StatusError, fmt.Sprintf("%s: HTTP %d", label, status))
	}

	probability, ok := extractProbability(payload)
	if !ok {
		return vote(p.Name(), 0.5, weight, StatusError, "Unsupported response schema.")
	}
	return vote(p.Name(), probability, weight, StatusOK, "External multimodal detector vote.")
}
