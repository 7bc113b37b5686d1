package config

import (
	"sync/atomic"
	"time"
)

// Snapshot is the process-wide, copy-on-write view of runtime-tunable
// matching and risk parameters. Readers take the current pointer atomically;
// a CONFIG_CHANGED event swaps in a fresh snapshot. Snapshots are immutable
// after publication.
type Snapshot struct {
	// Matching
	MaxCandidates      int
	MaxNotify          int
	MinScoreThreshold  float64
	MinPartialFraction float64
	MaxInflight        int
	DuplicateWindowSec int
	DuplicateSimilarity float64

	// Scoring weights, per commodity with a default vector. Weights sum to 1.
	DefaultWeights  ScoreWeights
	CommodityWeights map[string]ScoreWeights

	// Per-commodity location tuning. Default is same-state.
	LocationRules map[string]LocationRule

	// Penalties and boosts
	WarnPenalty float64
	AIBoost     float64

	// Risk tier-2 mapping thresholds and composition
	Tier2PassScore float64
	Tier2WarnScore float64
	RuleWeight     float64
	MLWeight       float64
}

// ScoreWeights is a per-commodity scoring weight vector.
type ScoreWeights struct {
	Quality  float64 `json:"quality"`
	Price    float64 `json:"price"`
	Delivery float64 `json:"delivery"`
	Risk     float64 `json:"risk"`
}

// LocationRule tunes the matcher's geographic hard filter for a commodity.
type LocationRule struct {
	SameCity        bool    `json:"same_city"`
	WithinKM        float64 `json:"within_km"` // 0 means no radius rule
	AllowCrossState bool    `json:"allow_cross_state"`
}

// WeightsFor returns the weight vector for a commodity, falling back to the
// default vector.
func (s *Snapshot) WeightsFor(commodityID string) ScoreWeights {
	if w, ok := s.CommodityWeights[commodityID]; ok {
		return w
	}
	return s.DefaultWeights
}

// LocationRuleFor returns the location rule for a commodity; the zero rule
// (same country, same state) applies by default.
func (s *Snapshot) LocationRuleFor(commodityID string) LocationRule {
	if r, ok := s.LocationRules[commodityID]; ok {
		return r
	}
	return LocationRule{}
}

// DuplicateWindow returns the duplicate-detection window as a duration.
func (s *Snapshot) DuplicateWindow() time.Duration {
	return time.Duration(s.DuplicateWindowSec) * time.Second
}

// DefaultSnapshot returns the shipped defaults, overridable via environment.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		MaxCandidates:       getEnvAsInt("MATCH_MAX_CANDIDATES", 500),
		MaxNotify:           getEnvAsInt("MATCH_MAX_NOTIFY", 5),
		MinScoreThreshold:   getEnvAsFloat("MATCH_MIN_SCORE", 0.6),
		MinPartialFraction:  getEnvAsFloat("MATCH_MIN_PARTIAL_FRACTION", 0.10),
		MaxInflight:         getEnvAsInt("MATCH_MAX_INFLIGHT", 200),
		DuplicateWindowSec:  getEnvAsInt("MATCH_DUPLICATE_WINDOW_SEC", 300),
		DuplicateSimilarity: getEnvAsFloat("MATCH_DUPLICATE_SIMILARITY", 0.95),
		DefaultWeights: ScoreWeights{
			Quality:  0.40,
			Price:    0.30,
			Delivery: 0.15,
			Risk:     0.15,
		},
		CommodityWeights: map[string]ScoreWeights{},
		LocationRules:    map[string]LocationRule{},
		WarnPenalty:      0.10,
		AIBoost:          0.05,
		Tier2PassScore:   80,
		Tier2WarnScore:   60,
		RuleWeight:       0.7,
		MLWeight:         0.3,
	}
}

// Store holds the current snapshot behind an atomic pointer.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(s *Snapshot) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

// Current returns the live snapshot. The returned value must not be mutated.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap publishes a new snapshot atomically.
func (s *Store) Swap(next *Snapshot) {
	s.current.Store(next)
}
