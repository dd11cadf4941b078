// Package segment defines the road-segment entity graph: endpoints, route
// geometry, lifecycle status, and the in-memory repository the pipeline
// mutates in place.
package segment

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

// Status represents a segment's position in the repair lifecycle. Values are
// emitted verbatim as the routeStatus output property.
type Status string

const (
	StatusRaw            Status = "RAW"
	StatusGeocoded       Status = "GEOCODED"
	StatusZeroLength     Status = "ZERO_LENGTH"
	StatusRouted         Status = "ROUTED"
	StatusOOBEndpoint    Status = "OOB_ENDPOINT"
	StatusCollapsed      Status = "COLLAPSED"
	StatusClipped        Status = "CLIPPED"
	StatusHighDetour     Status = "HIGH_DETOUR"
	StatusModerateDetour Status = "MODERATE_DETOUR"
	StatusOK             Status = "OK"
)

// Terminal reports whether the status is a valid end state for a finished
// pipeline run. Non-terminal statuses on output indicate a flagged failure.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusClipped, StatusHighDetour, StatusModerateDetour:
		return true
	}
	return false
}

// EndpointStatus represents the resolution state of a single endpoint.
type EndpointStatus string

const (
	EndpointUnresolved    EndpointStatus = "UNRESOLVED"
	EndpointResolved      EndpointStatus = "RESOLVED"
	EndpointLowConfidence EndpointStatus = "LOW_CONFIDENCE"
	EndpointOutOfBoundary EndpointStatus = "OUT_OF_BOUNDARY"
)

// Role names which end of the segment an endpoint anchors.
type Role string

const (
	RoleFrom Role = "FROM"
	RoleTo   Role = "TO"
)

// Flag annotates how a segment reached its final geometry.
type Flag string

const (
	FlagStraightLine   Flag = "STRAIGHT_LINE"
	FlagFixedOOB       Flag = "FIXED_OOB"
	FlagFixedCollapsed Flag = "FIXED_COLLAPSED"
	FlagVeryShortRoute Flag = "VERY_SHORT_ROUTE"
	FlagAuditFlagged   Flag = "AUDIT_FLAGGED"
)

// Endpoint is one terminus of a segment: its role, resolved coordinate,
// geocoder confidence score [0,100], and resolution status.
type Endpoint struct {
	Role   Role           `json:"role"`
	Point  geometry.Point `json:"point"`
	Score  float64        `json:"score"`
	Status EndpointStatus `json:"status"`
}

// Resolved reports whether the endpoint carries a usable coordinate.
func (e Endpoint) Resolved() bool {
	return e.Status == EndpointResolved || e.Status == EndpointLowConfidence
}

// Segment is one road segment moving through the repair pipeline. Segments
// are created once from input rows and mutated in place; they are never
// deleted, so every input row appears in the output exactly once.
type Segment struct {
	ID       string `json:"id"`
	RoadName string `json:"road_name"`
	FromDesc string `json:"from_desc"`
	ToDesc   string `json:"to_desc"`

	From Endpoint `json:"from"`
	To   Endpoint `json:"to"`

	Route              []geometry.Point `json:"route,omitempty"`
	RouteDistanceKm    float64          `json:"route_distance_km"`
	StraightDistanceKm float64          `json:"straight_distance_km"`
	Engine             string           `json:"engine,omitempty"`

	Status Status `json:"status"`
	Flags  []Flag `json:"flags,omitempty"`

	// ReviewReason is set when every repair strategy for a defect is
	// exhausted; the segment keeps its failing status and is surfaced for
	// manual review instead of being dropped.
	ReviewReason string `json:"review_reason,omitempty"`
}

// New creates a segment in the RAW state from an input row.
func New(id, roadName, fromDesc, toDesc string) *Segment {
	return &Segment{
		ID:       id,
		RoadName: roadName,
		FromDesc: fromDesc,
		ToDesc:   toDesc,
		From:     Endpoint{Role: RoleFrom, Status: EndpointUnresolved},
		To:       Endpoint{Role: RoleTo, Status: EndpointUnresolved},
		Status:   StatusRaw,
	}
}

// straightFloorKm is the straight-line distance below which the detour ratio
// is pinned to 1.0 rather than divided toward infinity.
const straightFloorKm = 0.05

// DetourRatio returns routed distance over straight-line distance, pinned to
// 1.0 when the straight distance is effectively zero.
func (s *Segment) DetourRatio() float64 {
	return DetourRatioOf(s.RouteDistanceKm, s.StraightDistanceKm)
}

// DetourRatioOf applies the ratio floor to a distance pair that is not
// attached to a Segment.
func DetourRatioOf(routeKm, straightKm float64) float64 {
	if straightKm <= straightFloorKm {
		return 1.0
	}
	return routeKm / straightKm
}

// AddFlag appends a flag unless already present.
func (s *Segment) AddFlag(f Flag) {
	for _, have := range s.Flags {
		if have == f {
			return
		}
	}
	s.Flags = append(s.Flags, f)
}

// HasFlag reports whether the segment carries the flag.
func (s *Segment) HasFlag(f Flag) bool {
	for _, have := range s.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// NeedsReview reports whether the segment was flagged for manual review.
func (s *Segment) NeedsReview() bool {
	return s.ReviewReason != ""
}

// ResultStatus is the routeStatus value emitted for this segment: the
// lifecycle status, except that a straight-line fallback which otherwise
// finished clean reports STRAIGHT_LINE.
func (s *Segment) ResultStatus() string {
	if s.Status == StatusOK && s.HasFlag(FlagStraightLine) {
		return string(FlagStraightLine)
	}
	return string(s.Status)
}

// Repository is the in-memory segment collection for one dataset run.
// Insertion order is preserved so output artifacts are stable.
type Repository struct {
	segments []*Segment
	byID     map[string]*Segment
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{byID: make(map[string]*Segment)}
}

// Add inserts a segment; duplicate IDs are rejected.
func (r *Repository) Add(s *Segment) error {
	if s.ID == "" {
		return eris.New("segment: empty id")
	}
	if _, ok := r.byID[s.ID]; ok {
		return eris.Errorf("segment: duplicate id %q", s.ID)
	}
	r.segments = append(r.segments, s)
	r.byID[s.ID] = s
	return nil
}

// Get returns the segment with the given ID.
func (r *Repository) Get(id string) (*Segment, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// All returns segments in insertion order. The slice is shared; callers must
// not reorder it.
func (r *Repository) All() []*Segment {
	return r.segments
}

// Len returns the number of segments.
func (r *Repository) Len() int {
	return len(r.segments)
}

// CountByStatus tallies segments per lifecycle status.
func (r *Repository) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range r.segments {
		counts[s.Status]++
	}
	return counts
}

// CountByResultStatus tallies segments per emitted routeStatus value.
func (r *Repository) CountByResultStatus() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.segments {
		counts[s.ResultStatus()]++
	}
	return counts
}
