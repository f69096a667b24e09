package consensus

import (
	"provenance/internal/config"
)

// BuildProviders assembles the external provider set from configuration.
// Registration order is fixed so consensus summaries are deterministic.
func BuildProviders(cfg config.ConsensusConfig) []Provider {
	client := newProbeClient(cfg.RetryAttempts, cfg.RetryBackoff)

	providers := make([]Provider, 0, 4)
	if cfg.Copyleaks.Enabled {
		providers = append(providers, NewCopyleaksProvider(cfg.Copyleaks, client))
	}
	if cfg.RealityDefender.Enabled {
		providers = append(providers, NewRealityDefenderProvider(cfg.RealityDefender, client))
	}
	if cfg.Hive.Enabled {
		providers = append(providers, NewHiveProvider(cfg.Hive, client))
	}
	if cfg.C2PA.Enabled {
		providers = append(providers, NewC2PAProvider(cfg.C2PA))
	}
	return providers
}
