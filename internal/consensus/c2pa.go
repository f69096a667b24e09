package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"provenance/internal/config"
	"provenance/internal/detect"
)

// C2PAProvider inspects signed image/video assets through the c2patool CLI.
// A verified manifest is strong evidence of a disclosed capture or edit
// chain, so it pulls the probability down rather than up.
type C2PAProvider struct {
	cfg  config.ProviderConfig
	tool string
}

func NewC2PAProvider(cfg config.ProviderConfig) *C2PAProvider {
	tool := cfg.APIURL
	if tool == "" {
		tool = "c2patool"
	}
	return &C2PAProvider{cfg: cfg, tool: tool}
}

func (p *C2PAProvider) Name() string    { return "c2pa" }
func (p *C2PAProvider) Weight() float64 { return p.cfg.Weight }

func (p *C2PAProvider) Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote {
	weight := p.cfg.Weight
	if !p.cfg.Enabled {
		return vote(p.Name(), 0.5, weight, StatusUnavailable, "C2PA verifier disabled in configuration.")
	}
	if modality != detect.ModalityImage && modality != detect.ModalityVideo {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "C2PA applies to signed image/video assets, not text/audio payloads.")
	}
	if len(artifact.Binary) == 0 {
		return vote(p.Name(), 0.5, weight, StatusUnsupported, "No media payload provided for C2PA verification.")
	}
	if _, err := exec.LookPath(p.tool); err != nil {
		return vote(p.Name(), 0.5, weight, StatusUnavailable, fmt.Sprintf("%s is not installed on this runtime.", p.tool))
	}

	suffix := filepath.Ext(artifact.Filename)
	if suffix == "" {
		suffix = ".bin"
	}
	tmp, err := os.CreateTemp("", "c2pa-*"+suffix)
	if err != nil {
		return vote(p.Name(), 0.5, weight, StatusError, fmt.Sprintf("temp file: %v", err))
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(artifact.Binary); err != nil {
		tmp.Close()
		return vote(p.Name(), 0.5, weight, StatusError, fmt.Sprintf("temp file write: %v", err))
	}
	tmp.Close()

	payload, err := runC2PATool(ctx, p.tool, tmp.Name())
	if err != nil {
		return vote(p.Name(), 0.5, weight, StatusError, err.Error())
	}

	manifestPresent, signatureValid, issuer := parseC2PAPayload(payload)
	switch {
	case manifestPresent && signatureValid:
		rationale := "Verified C2PA manifest with a valid signature."
		if issuer != "" {
			rationale += "; issuer=" + issuer
		}
		return vote(p.Name(), 0.15, weight, StatusOK, rationale)
	case manifestPresent:
		return vote(p.Name(), 0.52, weight, StatusOK, "C2PA manifest present but signature could not be verified.")
	default:
		return vote(p.Name(), 0.58, weight, StatusOK, "No C2PA manifest found in the asset.")
	}
}

func runC2PATool(ctx context.Context, tool, path string) (map[string]any, error) {
	attempts := [][]string{
		{path, "--detailed", "--json"},
		{"--detailed", "--json", path},
		{path, "--json"},
	}
	var lastErr error
	for _, args := range attempts {
		out, err := exec.CommandContext(ctx, tool, args...).Output()
		if err != nil {
			lastErr = fmt.Errorf("c2patool command failed: %w", err)
			continue
		}
		payload, perr := parseC2PAJSON(string(out))
		if perr != nil {
			lastErr = perr
			continue
		}
		return payload, nil
	}
	return nil, lastErr
}

func parseC2PAJSON(output string) (map[string]any, error) {
	cleaned := strings.TrimSpace(output)
	if cleaned == "" {
		return nil, fmt.Errorf("c2patool returned empty output")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start == -1 || end <= start {
			return nil, fmt.Errorf("c2patool returned non-JSON output")
		}
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &doc); err != nil {
			return nil, fmt.Errorf("c2patool returned non-JSON output")
		}
	}
	return doc, nil
}

func parseC2PAPayload(doc map[string]any) (manifestPresent, signatureValid bool, issuer string) {
	if doc == nil {
		return false, false, ""
	}
	if _, ok := doc["active_manifest"]; ok {
		manifestPresent = true
	}
	if _, ok := doc["claim_generator"]; ok {
		manifestPresent = true
	}
	if store, ok := doc["manifest_store"].(map[string]any); ok {
		if _, ok := store["active_manifest"]; ok {
			manifestPresent = true
		}
	}

	signatureValid = manifestPresent
	if statuses, ok := doc["validation_status"].([]any); ok {
		for _, raw := range statuses {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			code, _ := entry["code"].(string)
			if strings.Contains(code, "signingCredential.untrusted") || strings.Contains(code, "claimSignature.mismatch") {
				signatureValid = false
			}
		}
	}

	if info, ok := doc["signature_info"].(map[string]any); ok {
		issuer, _ = info["issuer"].(string)
	}
	return manifestPresent, signatureValid, issuer
}
