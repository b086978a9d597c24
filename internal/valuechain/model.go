// Package valuechain models operational processes as ordered chains of segments and
// implements the commands that create, restructure, lay out, and approve them.
package valuechain

import "time"

type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the approval gate accepts no further transition.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Chain struct {
	ID             string
	TenantID       string
	Title          string
	Description    string
	ApprovalStatus ApprovalStatus
	CreatedBy      string
	ApprovedBy     string
	ApprovedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Segments are sorted by Order.
	Segments []Segment
}

// FunctionNames returns the segment function names in chain order.
func (c Chain) FunctionNames() []string {
	names := make([]string, len(c.Segments))
	for i, segment := range c.Segments {
		names[i] = segment.FunctionName
	}
	return names
}

// SegmentIDs returns the segment ids in chain order.
func (c Chain) SegmentIDs() []string {
	ids := make([]string, len(c.Segments))
	for i, segment := range c.Segments {
		ids[i] = segment.ID
	}
	return ids
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Segment struct {
	ID           string
	ChainID      string
	FunctionName string
	Order        int
	Position     *Position
	// Weak references into the organizational directory.
	ActorIDs []string
	UnitIDs  []string
}

type Viewport struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
}

func DefaultViewport() Viewport {
	return Viewport{Zoom: 1}
}

type NodePosition struct {
	SegmentID string  `json:"segmentId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type Layout struct {
	ChainID  string         `json:"chainId"`
	Nodes    []NodePosition `json:"nodes"`
	Viewport *Viewport      `json:"viewport,omitempty"`
}

// Actor is the acting user of a command, as supplied by the identity collaborator.
type Actor struct {
	UserID     string
	TenantID   string
	CanApprove bool
}

type ChainPatch struct {
	Title       *string
	Description *string
}

type SegmentInput struct {
	// ID is optional; when set it pins the entry to an existing segment.
	ID           string
	FunctionName string
	ActorIDs     []string
	UnitIDs      []string
}

// View selects which approval states a chain listing includes.
type View string

const (
	ViewDefault View = "default"
	ViewReview  View = "review"
)

func (v View) Statuses() []ApprovalStatus {
	if v == ViewReview {
		return []ApprovalStatus{StatusPending}
	}
	return []ApprovalStatus{StatusApproved}
}
