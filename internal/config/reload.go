package config

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/events"
)

// snapshotPatch is the CONFIG_CHANGED payload: every field optional, absent
// fields keep their current value.
type snapshotPatch struct {
	MaxCandidates       *int     `json:"max_candidates,omitempty"`
	MaxNotify           *int     `json:"max_notify,omitempty"`
	MinScoreThreshold   *float64 `json:"min_score_threshold,omitempty"`
	MinPartialFraction  *float64 `json:"min_partial_fraction,omitempty"`
	MaxInflight         *int     `json:"max_inflight,omitempty"`
	DuplicateWindowSec  *int     `json:"duplicate_window_sec,omitempty"`
	DuplicateSimilarity *float64 `json:"duplicate_similarity,omitempty"`
	WarnPenalty         *float64 `json:"warn_penalty,omitempty"`
	AIBoost             *float64 `json:"ai_boost,omitempty"`
	Tier2PassScore      *float64 `json:"tier2_pass_score,omitempty"`
	Tier2WarnScore      *float64 `json:"tier2_warn_score,omitempty"`

	DefaultWeights   *ScoreWeights           `json:"default_weights,omitempty"`
	CommodityWeights map[string]ScoreWeights `json:"commodity_weights,omitempty"`
	LocationRules    map[string]LocationRule `json:"location_rules,omitempty"`
}

// RegisterReload subscribes the store to CONFIG_CHANGED events. Each event
// copies the current snapshot, applies the patch and swaps the copy in;
// readers holding the old pointer finish their run on consistent values.
func RegisterReload(bus *events.Bus, store *Store, log zerolog.Logger) {
	logger := log.With().Str("component", "config_reload").Logger()

	bus.Subscribe(events.ConfigChanged, func(e *events.Envelope) {
		var patch snapshotPatch
		if err := json.Unmarshal(e.Payload, &patch); err != nil {
			logger.Error().Err(err).Str("event_id", e.EventID).Msg("Malformed config patch")
			return
		}

		next := *store.Current()
		applyPatch(&next, patch)
		store.Swap(&next)
		logger.Info().Str("event_id", e.EventID).Msg("Runtime configuration reloaded")
	})
}

func applyPatch(s *Snapshot, p snapshotPatch) {
	if p.MaxCandidates != nil {
		s.MaxCandidates = *p.MaxCandidates
	}
	if p.MaxNotify != nil {
		s.MaxNotify = *p.MaxNotify
	}
	if p.MinScoreThreshold != nil {
		s.MinScoreThreshold = *p.MinScoreThreshold
	}
	if p.MinPartialFraction != nil {
		s.MinPartialFraction = *p.MinPartialFraction
	}
	if p.MaxInflight != nil {
		s.MaxInflight = *p.MaxInflight
	}
	if p.DuplicateWindowSec != nil {
		s.DuplicateWindowSec = *p.DuplicateWindowSec
	}
	if p.DuplicateSimilarity != nil {
		s.DuplicateSimilarity = *p.DuplicateSimilarity
	}
	if p.WarnPenalty != nil {
		s.WarnPenalty = *p.WarnPenalty
	}
	if p.AIBoost != nil {
		s.AIBoost = *p.AIBoost
	}
	if p.Tier2PassScore != nil {
		s.Tier2PassScore = *p.Tier2PassScore
	}
	if p.Tier2WarnScore != nil {
		s.Tier2WarnScore = *p.Tier2WarnScore
	}
	if p.DefaultWeights != nil {
		s.DefaultWeights = *p.DefaultWeights
	}

	if len(p.CommodityWeights) > 0 {
		merged := make(map[string]ScoreWeights, len(s.CommodityWeights)+len(p.CommodityWeights))
		for k, v := range s.CommodityWeights {
			merged[k] = v
		}
		for k, v := range p.CommodityWeights {
			merged[k] = v
		}
		s.CommodityWeights = merged
	}
	if len(p.LocationRules) > 0 {
		merged := make(map[string]LocationRule, len(s.LocationRules)+len(p.LocationRules))
		for k, v := range s.LocationRules {
			merged[k] = v
		}
		for k, v := range p.LocationRules {
			merged[k] = v
		}
		s.LocationRules = merged
	}
}
