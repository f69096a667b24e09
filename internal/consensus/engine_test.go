package consensus

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"provenance/internal/config"
	"provenance/internal/detect"
)

type stubProvider struct {
	name   string
	weight float64
	vote   Vote
	delay  time.Duration
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Weight() float64 { return p.weight }

func (p *stubProvider) Probe(ctx context.Context, modality string, artifact detect.Artifact) Vote {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return vote(p.name, 0.5, p.weight, StatusUnavailable, "probe timed out: "+ctx.Err().Error())
		}
	}
	return p.vote
}

func testConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		Enabled:         true,
		ProviderTimeout: 2 * time.Second,
		InternalWeight:  0.6,
		Threshold: config.ThresholdConfig{
			Text: 0.5, Image: 0.5, Audio: 0.5, Video: 0.5,
		},
	}
}

func TestInternalOnlyIsExact(t *testing.T) {
	engine := &Engine{Config: testConfig()}
	for _, p := range []float64{0.0, 0.123456789, 0.5, 0.731, 1.0} {
		summary := engine.Score(context.Background(), detect.ModalityText, detect.Artifact{Text: "x"}, p)
		if summary.FinalProbability != p {
			t.Fatalf("final = %v, want exactly %v", summary.FinalProbability, p)
		}
		if summary.Disagreement != 0 {
			t.Fatalf("disagreement = %v, want 0", summary.Disagreement)
		}
		if len(summary.Providers) != 1 || summary.Providers[0].Provider != "internal" {
			t.Fatalf("unexpected providers: %+v", summary.Providers)
		}
		if summary.Providers[0].Status != StatusOK {
			t.Fatalf("internal status = %s", summary.Providers[0].Status)
		}
	}
}

func TestWeightedMeanOverOKVotes(t *testing.T) {
	cfg := testConfig()
	engine := &Engine{
		Config: cfg,
		Providers: []Provider{
			&stubProvider{name: "copyleaks", weight: 0.4, vote: vote("copyleaks", 0.9, 0.4, StatusOK, "ok")},
			&stubProvider{name: "hive", weight: 0.2, vote: vote("hive", 0.5, 0.2, StatusError, "HTTP 500")},
		},
	}

	internal := 0.3
	summary := engine.Score(context.Background(), detect.ModalityText, detect.Artifact{Text: "x"}, internal)

	want := (internal*0.6 + 0.9*0.4) / (0.6 + 0.4)
	if math.Abs(summary.FinalProbability-want) > 1e-9 {
		t.Fatalf("final = %v, want %v", summary.FinalProbability, want)
	}
	if summary.Disagreement <= 0 || summary.Disagreement > 1 {
		t.Fatalf("disagreement = %v", summary.Disagreement)
	}
	if !summary.IsAIGenerated {
		t.Fatalf("expected verdict above the 0.5 threshold, final=%v", summary.FinalProbability)
	}
	if len(summary.Providers) != 3 {
		t.Fatalf("votes = %d, want 3", len(summary.Providers))
	}
	if summary.Providers[2].Status != StatusError {
		t.Fatalf("hive status = %s, want error", summary.Providers[2].Status)
	}
}

func TestProviderTimeoutBecomesUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.ProviderTimeout = 100 * time.Millisecond
	engine := &Engine{
		Config: cfg,
		Providers: []Provider{
			&stubProvider{name: "copyleaks", weight: 0.4, delay: 2 * time.Second,
				vote: vote("copyleaks", 0.9, 0.4, StatusOK, "ok")},
		},
	}

	internal := 0.42
	start := time.Now()
	summary := engine.Score(context.Background(), detect.ModalityText, detect.Artifact{Text: "x"}, internal)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("score took %v, deadline not enforced", elapsed)
	}

	if summary.FinalProbability != internal {
		t.Fatalf("final = %v, want internal %v when the only external vote is unavailable", summary.FinalProbability, internal)
	}
	if len(summary.Providers) != 2 {
		t.Fatalf("votes = %d, want 2", len(summary.Providers))
	}
	external := summary.Providers[1]
	if external.Status != StatusUnavailable {
		t.Fatalf("external status = %s, want unavailable", external.Status)
	}
	if !strings.Contains(external.Rationale, "timed out") {
		t.Fatalf("rationale %q should mention the timeout", external.Rationale)
	}
}

func TestDisabledConsensusSkipsExternals(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	engine := &Engine{
		Config: cfg,
		Providers: []Provider{
			&stubProvider{name: "copyleaks", weight: 0.4, vote: vote("copyleaks", 0.9, 0.4, StatusOK, "ok")},
		},
	}
	summary := engine.Score(context.Background(), detect.ModalityText, detect.Artifact{Text: "x"}, 0.2)
	if len(summary.Providers) != 1 {
		t.Fatalf("votes = %d, want internal only", len(summary.Providers))
	}
	if summary.FinalProbability != 0.2 {
		t.Fatalf("final = %v, want 0.2", summary.FinalProbability)
	}
}

func TestThresholdPerModality(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold.Image = 0.8
	engine := &Engine{Config: cfg}

	summary := engine.Score(context.Background(), detect.ModalityImage, detect.Artifact{}, 0.7)
	if summary.IsAIGenerated {
		t.Fatalf("0.7 should be below the 0.8 image threshold")
	}
	summary = engine.Score(context.Background(), detect.ModalityText, detect.Artifact{Text: "x"}, 0.7)
	if !summary.IsAIGenerated {
		t.Fatalf("0.7 should clear the 0.5 text threshold")
	}
}
