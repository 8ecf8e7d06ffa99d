// Package strategy defines the core domain types for the rollout control
// plane: versioned strategies, their lifecycle statuses, and the metadata
// the registry indexes them by.
//
// A strategy is an opaque, versioned unit of deployable behavior. The
// control plane never interprets the payload; it only manages the
// lifecycle around it.
package strategy

import (
	"errors"
	"fmt"
	"time"
)

// Errors shared across lifecycle operations.
var (
	ErrInvalidID      = errors.New("invalid strategy id: must be alphanumeric with hyphens/underscores")
	ErrInvalidVersion = errors.New("invalid version: must be semantic (major.minor.patch)")
	ErrBadTransition  = errors.New("status transition not permitted")
)

// Status is the lifecycle state of a strategy version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidated  Status = "validated"
	StatusCanary     Status = "canary"
	StatusBeta       Status = "beta"
	StatusProduction Status = "production"
	StatusDeprecated Status = "deprecated"
	StatusRetired    Status = "retired"
	StatusArchived   Status = "archived"
)

// rank orders statuses along the forward lifecycle path. Rollback is the
// only backward edge and is modeled explicitly, not via rank comparison.
var rank = map[Status]int{
	StatusDraft:      0,
	StatusValidated:  1,
	StatusCanary:     2,
	StatusBeta:       3,
	StatusProduction: 4,
	StatusDeprecated: 5,
	StatusRetired:    6,
	StatusArchived:   7,
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// CanAdvanceTo reports whether a forward transition from s to next is
// permitted. Forward transitions move exactly one step along the
// lifecycle; everything else is rejected.
func (s Status) CanAdvanceTo(next Status) bool {
	from, ok := rank[s]
	if !ok {
		return false
	}
	to, ok := rank[next]
	if !ok {
		return false
	}
	return to == from+1
}

// CanRollBack reports whether s is a stage that may be rolled back to
// validated. Only traffic-bearing stages qualify; rollback is automated,
// never a manual promotion in reverse.
func (s Status) CanRollBack() bool {
	switch s {
	case StatusCanary, StatusBeta, StatusProduction:
		return true
	}
	return false
}

// Deployed reports whether the status carries live traffic.
func (s Status) Deployed() bool {
	return s.CanRollBack()
}

// ComplexityTier buckets strategies by declared complexity. The validator
// maps each tier to fixed performance ceilings.
type ComplexityTier string

const (
	ComplexityLow    ComplexityTier = "low"
	ComplexityMedium ComplexityTier = "medium"
	ComplexityHigh   ComplexityTier = "high"
)

// Valid reports whether t is a known tier.
func (t ComplexityTier) Valid() bool {
	switch t {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Ref identifies one strategy version.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// String renders the ref as id@version.
func (r Ref) String() string {
	return fmt.Sprintf("%s@%s", r.ID, r.Version)
}

// Dependency declares a requirement on another strategy, optionally
// constrained to a version spec ("1.2.3", "^1.2.0", "~1.2.0", "latest").
type Dependency struct {
	ID   string `json:"id"`
	Spec string `json:"spec,omitempty"`
}

// Metadata carries the indexable attributes of a strategy.
type Metadata struct {
	Domain       string         `json:"domain" validate:"required"`
	Tags         []string       `json:"tags,omitempty"`
	Complexity   ComplexityTier `json:"complexity" validate:"required"`
	Author       string         `json:"author,omitempty"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	// ConflictsWith lists strategy ids this one cannot coexist with.
	ConflictsWith []string `json:"conflicts_with,omitempty"`
}

// Baseline captures the synthetic benchmark results recorded at
// validation time. Later health evaluation compares live metrics against
// this.
type Baseline struct {
	LatencyP95    time.Duration `json:"latency_p95"`
	MemoryBytes   int64         `json:"memory_bytes"`
	Throughput    float64       `json:"throughput"`
	RecordedAt    time.Time     `json:"recorded_at"`
	HarnessRounds int           `json:"harness_rounds"`
}

// Strategy is one immutable-once-published version of deployable
// behavior. The payload is opaque to the control plane.
type Strategy struct {
	ID       string   `json:"id" validate:"required"`
	Version  string   `json:"version" validate:"required"`
	Status   Status   `json:"status"`
	Metadata Metadata `json:"metadata"`
	Payload  []byte   `json:"payload" validate:"required"`

	Baseline  *Baseline `json:"baseline,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt feeds GC's unused-strategy sweep. Zero means never
	// selected.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`

	// MarkedForReview is set by GC when the strategy has been unused past
	// the review threshold. Review never hard-deletes; that is the
	// retirement flow's job.
	MarkedForReview bool `json:"marked_for_review,omitempty"`

	// DeprecatedAt anchors the retirement phase schedule. Persisted so
	// phase advancement survives a restart.
	DeprecatedAt time.Time `json:"deprecated_at,omitempty"`

	// ReplacementRef names the successor designated at retirement time.
	// Persisted so a restart still starts the planned session migration
	// in the redirect phase.
	ReplacementRef *Ref `json:"replacement_ref,omitempty"`
}

// Ref returns the (id, version) identity of the strategy.
func (s *Strategy) Ref() Ref {
	return Ref{ID: s.ID, Version: s.Version}
}

// Clone returns a deep copy. The registry hands out clones so callers
// cannot mutate the stored record behind the indexes' back.
func (s *Strategy) Clone() *Strategy {
	cp := *s
	cp.Payload = append([]byte(nil), s.Payload...)
	cp.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	cp.Metadata.Dependencies = append([]Dependency(nil), s.Metadata.Dependencies...)
	cp.Metadata.ConflictsWith = append([]string(nil), s.Metadata.ConflictsWith...)
	if s.Baseline != nil {
		b := *s.Baseline
		cp.Baseline = &b
	}
	if s.ReplacementRef != nil {
		r := *s.ReplacementRef
		cp.ReplacementRef = &r
	}
	return &cp
}

// Transition moves the strategy to next if the edge is legal: one step
// forward, or a rollback from a deployed stage to validated.
func (s *Strategy) Transition(next Status) error {
	if s.Status.CanAdvanceTo(next) {
		s.Status = next
		return nil
	}
	if next == StatusValidated && s.Status.CanRollBack() {
		s.Status = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, s.Status, next, s.Ref())
}
