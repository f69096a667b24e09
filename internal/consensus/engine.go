package consensus

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"provenance/internal/config"
	"provenance/internal/detect"
)

// Engine fans out to all configured providers concurrently and folds their
// votes into one weighted probability. The internal detector vote is supplied
// by the caller (a failed internal detection aborts the request before the
// engine runs).
type Engine struct {
	Config    config.ConsensusConfig
	Providers []Provider
	Logger    *zap.Logger
}

// Score probes every configured provider with a shared deadline and returns
// the weighted consensus. For identical inputs and an identical set of
// successful providers the summary is deterministic: vote order follows
// registration order and the fold is a plain left-to-right accumulation.
func (e *Engine) Score(ctx context.Context, modality string, artifact detect.Artifact, internalProbability float64) Summary {
	internalWeight := e.Config.InternalWeight
	if internalWeight < 0 {
		internalWeight = 0
	}
	votes := make([]Vote, 0, len(e.Providers)+1)
	votes = append(votes, vote("internal", internalProbability, internalWeight, StatusOK, "Local detector probability."))

	if e.Config.Enabled && len(e.Providers) > 0 {
		votes = append(votes, e.collectVotes(ctx, modality, artifact)...)
	}

	final, disagreement := fold(votes, internalProbability)
	threshold := e.Config.Threshold.For(modality)
	return Summary{
		FinalProbability: final,
		Threshold:        threshold,
		IsAIGenerated:    final >= threshold,
		Disagreement:     disagreement,
		Providers:        votes,
	}
}

// collectVotes probes providers concurrently. A provider that outlives its
// timeout is recorded as unavailable; the probe goroutine is left to finish
// on its own so peers are never cancelled early.
func (e *Engine) collectVotes(ctx context.Context, modality string, artifact detect.Artifact) []Vote {
	timeout := e.Config.ProviderTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	results := make([]chan Vote, len(e.Providers))
	for i, p := range e.Providers {
		results[i] = make(chan Vote, 1)
		go func(p Provider, out chan<- Vote) {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			out <- p.Probe(probeCtx, modality, artifact)
		}(p, results[i])
	}

	deadline := time.NewTimer(timeout + 250*time.Millisecond)
	defer deadline.Stop()

	votes := make([]Vote, 0, len(e.Providers))
	for i, p := range e.Providers {
		select {
		case v := <-results[i]:
			votes = append(votes, v)
		case <-deadline.C:
			votes = append(votes, vote(p.Name(), 0.5, p.Weight(), StatusUnavailable,
				fmt.Sprintf("probe timed out after %s", timeout)))
			if e.Logger != nil {
				e.Logger.Warn("provider probe timed out",
					zap.String("provider", p.Name()),
					zap.Duration("timeout", timeout),
				)
			}
			// Remaining providers share the same elapsed deadline.
			deadline.Reset(0)
		}
	}
	return votes
}

// fold computes the weighted mean and weighted population stddev of ok votes.
// If only the internal vote is usable the internal probability is returned
// unchanged.
func fold(votes []Vote, internalProbability float64) (float64, float64) {
	var weightedTotal, weightSum float64
	active := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Status == StatusOK && v.Weight > 0 {
			weightedTotal += v.Probability * v.Weight
			weightSum += v.Weight
			active = append(active, v)
		}
	}
	if weightSum <= 0 {
		return internalProbability, 0
	}
	if len(active) == 1 {
		return active[0].Probability, 0
	}

	final := weightedTotal / weightSum

	var varianceSum float64
	for _, v := range active {
		d := v.Probability - final
		varianceSum += v.Weight * d * d
	}
	disagreement := math.Sqrt(varianceSum / weightSum)
	if disagreement > 1 {
		disagreement = 1
	}
	return final, disagreement
}
