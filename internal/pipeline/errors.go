package pipeline

import (
	"fmt"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/segment"
)

// DegenerateGeometryError reports geometry that cannot form a usable route:
// coincident endpoints, a collapse that repair could not separate, or a
// route with no points inside the boundary.
type DegenerateGeometryError struct {
	SegmentID string
	Reason    string
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("segment %s: degenerate geometry: %s", e.SegmentID, e.Reason)
}

// OutOfBoundaryError reports an endpoint that resolved outside the dataset
// boundary.
type OutOfBoundaryError struct {
	SegmentID string
	Role      segment.Role
	Point     geometry.Point
}

func (e *OutOfBoundaryError) Error() string {
	return fmt.Sprintf("segment %s: %s endpoint (%.5f, %.5f) outside boundary",
		e.SegmentID, e.Role, e.Point.Lon, e.Point.Lat)
}

// ServiceExhaustedError reports that a repair stage ran out of strategies.
// It is fatal for the segment, never for the run: the segment keeps its
// failing status and carries a review reason into the output.
type ServiceExhaustedError struct {
	SegmentID  string
	Stage      string
	Strategies int

	// Defect is the underlying condition the strategies could not clear.
	Defect error
}

func (e *ServiceExhaustedError) Error() string {
	return fmt.Sprintf("segment %s: %s exhausted %d strategies: %v",
		e.SegmentID, e.Stage, e.Strategies, e.Defect)
}

func (e *ServiceExhaustedError) Unwrap() error {
	return e.Defect
}
