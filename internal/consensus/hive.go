package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"provenance/internal/config"
	"provenance/internal/detect"
)

// HiveProvider submits content to Hive's synchronous moderation/detection
// endpoint.
type HiveProvider struct {
	cfg    config.ProviderConfig
	client *probeClient
}

func NewHiveProvider(cfg config.ProviderConfig, client *probeClient) *HiveProvider {
	return &HiveProvider{cfg: cfg, client: client}
}

func (p *HiveProvider) Name() string    { return "hive" }
func (p *HiveProvider) Weight() float64 { return p.cfg.Weight }

func (p *HiveProvider) Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote {
	weight := p.cfg.Weight
	if p.cfg.APIKey == "" {
		return vote(p.Name(), 0.5, weight, StatusUnavailable, "Missing Hive API key.")
	}
	if modality == detect.ModalityText && artifact.Text == "" {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No text payload provided.")
	}
	if modality != detect.ModalityText && len(artifact.Binary) == 0 {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No binary payload provided.")
	}

	headers := map[string]string{"Authorization": "Token " + p.cfg.APIKey}
	var payload []byte
	var status int
	var err error
	if modality == detect.ModalityText {
		payload, status, err = p.client.postJSON(ctx, p.cfg.APIURL, headers, map[string]any{
			"input": map[string]any{"text": artifact.Text},
		})
	} else {
		filename := artifact.Filename
		if filename == "" {
			filename = modality + ".bin"
		}
		payload, status, err = p.client.postMultipart(ctx, p.cfg.APIURL, headers,
			"media", filename, artifact.Binary, map[string]string{"modality": modality})
	}
	if err != nil {
		if ctx.Err() != nil {
			return vote(p.Name(), 0.5, weight, StatusUnavailable, fmt.Sprintf("probe timed out: %v", ctx.Err()))
		}
		return vote(p.Name(), 0.5, weight, StatusError, err.Error())
	}
	if status >= 400 {
		return vote(p.Name(), 0.5, weight, StatusError, fmt.Sprintf("HTTP %d", status))
	}

	probability, ok := extractHiveProbability(payload)
	if !ok {
		return vote(p.Name(), 0.5, weight, StatusError, "Unsupported response schema.")
	}
	return vote(p.Name(), probability, weight, StatusOK, "External multimodal detector vote.")
}

// extractHiveProbability tries the flat shapes first, then the class-list
// schema: status[0].response.output[0].classes = [{class, score}, ...] where
// the AI-looking class with the highest score wins.
func extractHiveProbability(payload []byte) (float64, bool) {
	if v, ok := extractProbability(payload); ok {
		return v, true
	}

	var doc struct {
		Status []struct {
			Response struct {
				Output []struct {
					Classes []struct {
						Class string  `json:"class"`
						Score float64 `json:"score"`
					} `json:"classes"`
				} `json:"output"`
			} `json:"response"`
		} `json:"status"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, false
	}
	if len(doc.Status) == 0 || len(doc.Status[0].Response.Output) == 0 {
		return 0, false
	}

	best := -1.0
	for _, cls := range doc.Status[0].Response.Output[0].Classes {
		label := strings.ToLower(cls.Class)
		if !strings.Contains(label, "ai") && !strings.Contains(label, "synthetic") && !strings.Contains(label, "deepfake") {
			continue
		}
		if cls.Score > best {
			best = cls.Score
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
