package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MigrationFunc upgrades a payload from one schema version to the next.
type MigrationFunc func(payload json.RawMessage) (json.RawMessage, error)

type versionInfo struct {
	current    int
	migrations map[int]MigrationFunc // from-version -> upgrade to from+1
}

// Registry is the authoritative map of (event_type, schema_version).
// Emitting an unregistered pair fails; consumers reading older versions
// upgrade through the chain of migration funcs.
type Registry struct {
	types map[EventType]*versionInfo
	mu    sync.RWMutex
}

var defaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := &Registry{types: make(map[EventType]*versionInfo)}
	// Every catalog event starts at version 1.
	for _, t := range []EventType{
		AvailabilityCreated, AvailabilityUpdated, AvailabilityReserved,
		AvailabilityReleased, AvailabilitySold, AvailabilityExpired,
		AvailabilityCancelled,
		RequirementCreated, RequirementPublished, RequirementUpdated,
		RequirementCancelled, RequirementFulfilled,
		MatchFound, NoMatchFound,
		RiskStatusChanged, CapabilitiesUpdated, DocumentVerified,
		ConfigChanged, OutboxDead,
	} {
		r.types[t] = &versionInfo{current: 1, migrations: make(map[int]MigrationFunc)}
	}
	return r
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register declares a new current version for an event type together with
// the migration from the previous version.
func (r *Registry) Register(t EventType, version int, fromPrevious MigrationFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.types[t]
	if !ok {
		info = &versionInfo{current: 0, migrations: make(map[int]MigrationFunc)}
		r.types[t] = info
	}
	if version != info.current+1 {
		return fmt.Errorf("version %d for %s is not contiguous (current %d)", version, t, info.current)
	}
	if version > 1 && fromPrevious == nil {
		return fmt.Errorf("version %d for %s requires a migration from %d", version, t, version-1)
	}
	if fromPrevious != nil {
		info.migrations[version-1] = fromPrevious
	}
	info.current = version
	return nil
}

// Known reports whether (type, version) has ever been registered.
func (r *Registry) Known(t EventType, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.types[t]
	return ok && version >= 1 && version <= info.current
}

// Current returns the current schema version for an event type, or 0 when
// the type is unregistered.
func (r *Registry) Current(t EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.types[t]; ok {
		return info.current
	}
	return 0
}

// Upgrade migrates a payload from the given version to the current one.
// Newer-than-current versions fail; unknown fields in newer payloads are the
// consumer's concern and are ignored by json decoding.
func (r *Registry) Upgrade(t EventType, version int, payload json.RawMessage) (json.RawMessage, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.types[t]
	if !ok {
		return nil, 0, fmt.Errorf("unregistered event type %s", t)
	}
	if version > info.current {
		return nil, 0, fmt.Errorf("payload version %d for %s is newer than current %d", version, t, info.current)
	}
	for v := version; v < info.current; v++ {
		migrate, ok := info.migrations[v]
		if !ok {
			return nil, 0, fmt.Errorf("no migration from version %d for %s", v, t)
		}
		next, err := migrate(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("migration from version %d for %s failed: %w", v, t, err)
		}
		payload = next
	}
	return payload, info.current, nil
}

// CurrentVersion is a convenience over the default registry.
func CurrentVersion(t EventType) int {
	return defaultRegistry.Current(t)
}

// Validate rejects envelopes carrying an unregistered (type, version) pair.
// Called by the outbox before insertion: the registry is authoritative.
func Validate(e *Envelope) error {
	if !defaultRegistry.Known(e.Type, e.SchemaVersion) {
		return fmt.Errorf("unregistered event (%s, v%d)", e.Type, e.SchemaVersion)
	}
	return nil
}
