package events

import (
	"context"

	"github.com/mikepea/circled/pkg/circled/models"
)

// Severity controls how the dispatcher treats per-instance failures.
type Severity string

const (
	// SeverityNormal tolerates partial failure; per-instance outcomes are
	// recorded and the event still completes.
	SeverityNormal Severity = "normal"
	// SeverityHigh requires the event to succeed on every targeted
	// instance, otherwise instances that already applied it are rolled
	// back and the event fails as a whole.
	SeverityHigh Severity = "high"
)

// State tracks an event through its lifecycle.
type State string

const (
	StateCreated    State = "CREATED"
	StateVerified   State = "VERIFIED"
	StateDispatched State = "DISPATCHED"
	StateManaged    State = "MANAGED"
	StateResulted   State = "RESULTED"
	StateFailed     State = "FAILED"
)

// Per-instance result statuses.
const (
	StatusOK          = "ok"
	StatusRejected    = "rejected"
	StatusConflict    = "conflict"
	StatusUnreachable = "unreachable"
	StatusRolledBack  = "rolled_back"
)

// Overall event outcomes.
const (
	OverallSuccess        = "success"
	OverallPartialSuccess = "partial_success"
	OverallFailed         = "failed"
	OverallAccepted       = "accepted" // async, handed to the worker queue
)

// CircleFlags mirrors a circle's configuration on the wire.
type CircleFlags struct {
	Visible   bool `json:"visible"`
	Open      bool `json:"open"`
	Personal  bool `json:"personal"`
	Federated bool `json:"federated"`
	Backend   bool `json:"backend"`
}

// MemberRef is a member edge on the wire.
type MemberRef struct {
	SingleID string `json:"singleId"`
	Type     string `json:"type"`
	Level    string `json:"level"`
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Name     string `json:"name,omitempty"`
}

// CircleRef is a circle on the wire, with the optional initiator acting for
// the current operation.
type CircleRef struct {
	SingleID  string      `json:"singleId"`
	Name      string      `json:"name,omitempty"`
	Instance  string      `json:"instance,omitempty"`
	Flags     CircleFlags `json:"flags"`
	Initiator *MemberRef  `json:"initiator,omitempty"`
}

// ItemRef is a synced item on the wire. PrevChecksum declares the checksum
// the sender believes the item currently has.
type ItemRef struct {
	SingleID     string `json:"singleId"`
	Snapshot     []byte `json:"snapshot"`
	Checksum     string `json:"checksum"`
	PrevChecksum string `json:"prevChecksum,omitempty"`
}

// Event is a single proposed mutation crossing instance boundaries. It is
// constructed locally, mutated through verify/manage/result, and never
// persisted beyond its propagation except for the audit trail.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"eventClass"`
	Origin   string            `json:"origin"`
	Circle   CircleRef         `json:"circle"`
	Member   *MemberRef        `json:"member,omitempty"`
	Item     *ItemRef          `json:"syncedItem,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Severity Severity          `json:"severity"`
	Async    bool              `json:"async,omitempty"`

	State   State             `json:"-"`
	Results map[string]Result `json:"-"`
}

// Param returns a named payload parameter, or "" when absent.
func (e *Event) Param(key string) string {
	if e.Params == nil {
		return ""
	}
	return e.Params[key]
}

// SetParam sets a named payload parameter.
func (e *Event) SetParam(key, value string) {
	if e.Params == nil {
		e.Params = map[string]string{}
	}
	e.Params[key] = value
}

// Result is the outcome of the event on one instance.
type Result struct {
	Instance string `json:"instance"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// Response is what a remote instance replies to a delivered event.
type Response struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Transport performs the signed exchange with one remote instance. The
// dispatcher only knows "send to instance X, get a response" and classifies
// its failure modes; resolution and signing live behind the implementation.
type Transport interface {
	Send(ctx context.Context, instance string, ev *Event) (*Response, error)
	Rollback(ctx context.Context, instance, eventID string) (*Response, error)
}

// Enqueuer hands async events to a background worker instead of blocking
// the caller.
type Enqueuer interface {
	Enqueue(job func()) bool
}

// CircleToRef converts a stored circle to its wire representation.
func CircleToRef(c *models.Circle) CircleRef {
	ref := CircleRef{
		SingleID: c.SingleID,
		Name:     c.Name,
		Instance: c.Instance,
		Flags: CircleFlags{
			Visible:   c.Visible,
			Open:      c.Open,
			Personal:  c.Personal,
			Federated: c.Federated,
			Backend:   c.Backend,
		},
	}
	if c.Initiator != nil {
		ref.Initiator = MemberToRef(c.Initiator)
	}
	return ref
}

// MemberToRef converts a stored member edge to its wire representation.
func MemberToRef(m *models.Member) *MemberRef {
	return &MemberRef{
		SingleID: m.SingleID,
		Type:     string(m.Type),
		Level:    m.Level.String(),
		Status:   string(m.Status),
		Instance: m.Instance,
		Name:     m.Name,
	}
}

// RefToMember converts a wire member back to a model row bound to circleID.
func RefToMember(circleID string, ref *MemberRef) *models.Member {
	return &models.Member{
		CircleID: circleID,
		SingleID: ref.SingleID,
		Type:     models.MemberType(ref.Type),
		Level:    models.ParseLevel(ref.Level),
		Status:   models.MemberStatus(ref.Status),
		Instance: ref.Instance,
		Name:     ref.Name,
	}
}
