package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
)

// DefaultRemoteTimeout bounds each remote call individually; one slow
// instance never blocks the fan-out to the others.
const DefaultRemoteTimeout = 10 * time.Second

// Outcome is the aggregated result of one dispatched event.
type Outcome struct {
	EventID string   `json:"event_id"`
	State   State    `json:"state"`
	Overall string   `json:"overall"`
	Results []Result `json:"results,omitempty"`
}

// Dispatcher owns the verify -> manage -> broadcast -> result lifecycle of
// federated events. It applies the mutation locally, fans it out to every
// instance hosting an affected member, and aggregates per-instance results.
type Dispatcher struct {
	rt        *Runtime
	registry  *Registry
	transport Transport
	queue     Enqueuer
	timeout   time.Duration
}

// NewDispatcher wires a dispatcher. queue may be nil, in which case async
// events run synchronously. A zero timeout falls back to
// DefaultRemoteTimeout.
func NewDispatcher(rt *Runtime, registry *Registry, transport Transport, queue Enqueuer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Dispatcher{rt: rt, registry: registry, transport: transport, queue: queue, timeout: timeout}
}

// Runtime exposes the dispatcher's collaborator bundle, mainly for handler
// registration at startup.
func (d *Dispatcher) Runtime() *Runtime {
	return d.rt
}

// Dispatch runs the full lifecycle for a locally originated event. Verify
// failures abort before any network call. Events targeting a synced item
// acquire the item's advisory lock first and fail fast with ErrItemLocked
// when another driver is active. Async events are handed to the worker
// queue and reported as accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (*Outcome, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Origin == "" {
		ev.Origin = d.rt.Instance
	}
	if ev.Severity == "" {
		ev.Severity = SeverityNormal
	}
	ev.State = StateCreated

	h, ok := d.registry.Lookup(ev.Kind)
	if !ok {
		ev.State = StateFailed
		return nil, &LocalPreconditionError{Kind: ev.Kind, Reason: "unknown event class"}
	}
	if err := d.verify(ev, h); err != nil {
		return nil, err
	}

	var lockToken string
	if ev.Item != nil {
		token, err := d.rt.Conflicts.AcquireLock(ev.Item.SingleID)
		if err != nil {
			ev.State = StateFailed
			return nil, err
		}
		lockToken = token
	}

	if ev.Async && d.queue != nil {
		if d.queue.Enqueue(func() {
			if _, err := d.run(context.Background(), ev, h, lockToken); err != nil {
				log.Printf("async event %s (%s) failed: %v", ev.ID, ev.Kind, err)
			}
		}) {
			return &Outcome{EventID: ev.ID, State: ev.State, Overall: OverallAccepted}, nil
		}
		// Queue saturated: degrade to synchronous execution.
	}
	return d.run(ctx, ev, h, lockToken)
}

// Receive applies an event delivered by a remote instance: the identical
// verify/manage pipeline, without re-broadcast. Events that looped back to
// their own origin are short-circuited. Manage is idempotent, so
// re-delivery of an already applied identifier is a successful no-op.
func (d *Dispatcher) Receive(ctx context.Context, ev *Event) error {
	if ev.Origin == d.rt.Instance {
		return nil
	}
	h, ok := d.registry.Lookup(ev.Kind)
	if !ok {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "unknown event class"}
	}
	if err := d.verify(ev, h); err != nil {
		return err
	}
	if err := d.applyLocal(ev, h); err != nil {
		status, detail := Classify(err)
		d.recordAudit(ev, d.rt.Instance, status, detail)
		return err
	}
	d.recordAudit(ev, d.rt.Instance, StatusOK, "")
	return nil
}

// ReceiveRollback compensates a previously applied event. Unknown or
// already compensated identifiers are a no-op, so rollback re-delivery is
// as idempotent as manage.
func (d *Dispatcher) ReceiveRollback(ctx context.Context, eventID string) error {
	seen, err := d.rt.Store.SeenEvent(eventID)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			return nil
		}
		return err
	}
	if seen.RolledBack {
		return nil
	}
	var ev Event
	if err := json.Unmarshal(seen.Payload, &ev); err != nil {
		return err
	}
	if h, ok := d.registry.Lookup(ev.Kind); ok && h.Rollback != nil {
		if err := h.Rollback(d.rt, &ev); err != nil {
			return err
		}
	}
	d.recordAudit(&ev, d.rt.Instance, StatusRolledBack, "")
	return d.rt.Store.MarkRolledBack(eventID)
}

func (d *Dispatcher) verify(ev *Event, h Handlers) error {
	if h.Verify != nil {
		if err := h.Verify(d.rt, ev); err != nil {
			ev.State = StateFailed
			var pre *LocalPreconditionError
			if errors.As(err, &pre) {
				return err
			}
			return &LocalPreconditionError{Kind: ev.Kind, Reason: err.Error()}
		}
	}
	ev.State = StateVerified
	return nil
}

func (d *Dispatcher) run(ctx context.Context, ev *Event, h Handlers, lockToken string) (*Outcome, error) {
	if ev.Item != nil {
		// CommitItem already released the lock atomically with the
		// checksum update on the happy path; this covers every other exit
		// so no lock is ever leaked. The release is conditional on the
		// acquisition token, so after a commit it cannot delete a lock a
		// newer driver has taken in the meantime.
		defer func() {
			if err := d.rt.Conflicts.ReleaseLock(ev.Item.SingleID, lockToken); err != nil {
				log.Printf("event %s: release lock %s: %v", ev.ID, ev.Item.SingleID, err)
			}
		}()
	}
	ev.Results = map[string]Result{}

	// Fan-out targets come from the member graph, so the pre-mutation set
	// must be resolved before the local mutation: an event that removes
	// the very edges it travels along (circle destroy, last member of an
	// instance leaving) still has to reach the instances that held them.
	// The post-mutation set is merged in below, for events that introduce
	// an instance's first member.
	targets := d.targets(ev, h)

	if err := d.applyLocal(ev, h); err != nil {
		status, detail := Classify(err)
		ev.Results[d.rt.Instance] = Result{Instance: d.rt.Instance, Status: status, Detail: detail}
		ev.State = StateFailed
		d.auditResults(ev)
		if h.Result != nil {
			h.Result(d.rt, ev)
		}
		return d.outcome(ev, OverallFailed), err
	}
	ev.Results[d.rt.Instance] = Result{Instance: d.rt.Instance, Status: StatusOK}
	ev.State = StateDispatched

	for _, target := range d.targets(ev, h) {
		found := false
		for _, known := range targets {
			if known == target {
				found = true
				break
			}
		}
		if !found {
			targets = append(targets, target)
		}
	}
	for _, target := range targets {
		ev.Results[target] = d.send(ctx, target, ev)
	}
	ev.State = StateManaged

	failed := false
	for _, r := range ev.Results {
		if r.Status != StatusOK {
			failed = true
			break
		}
	}

	overall := OverallSuccess
	switch {
	case failed && ev.Severity == SeverityHigh:
		d.rollback(ctx, ev, h)
		ev.State = StateFailed
		overall = OverallFailed
	case failed:
		overall = OverallPartialSuccess
	}

	d.auditResults(ev)
	if ev.State != StateFailed {
		ev.State = StateResulted
	}
	if h.Result != nil {
		h.Result(d.rt, ev)
	}
	return d.outcome(ev, overall), nil
}

// applyLocal runs manage exactly once per event identifier. The applied
// event is recorded with its payload so a later compensating rollback can
// reconstruct it.
func (d *Dispatcher) applyLocal(ev *Event, h Handlers) error {
	if _, err := d.rt.Store.SeenEvent(ev.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrEntityNotFound) {
		return err
	}
	if h.Manage != nil {
		if err := h.Manage(d.rt, ev); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = d.rt.Store.MarkEventSeen(ev.ID, ev.Kind, ev.Origin, payload)
	return err
}

func (d *Dispatcher) targets(ev *Event, h Handlers) []string {
	if h.LocalOnly {
		return nil
	}
	all, err := d.rt.Engine.AffectedInstances(ev.Circle.SingleID)
	if err != nil {
		log.Printf("event %s: resolve instances for %s: %v", ev.ID, ev.Circle.SingleID, err)
		return nil
	}
	targets := all[:0]
	for _, t := range all {
		if t != d.rt.Instance {
			targets = append(targets, t)
		}
	}
	return targets
}

func (d *Dispatcher) send(ctx context.Context, target string, ev *Event) Result {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.transport.Send(cctx, target, ev)
	if err != nil {
		uerr := &RemoteUnreachableError{Instance: target, Err: err}
		return Result{Instance: target, Status: StatusUnreachable, Detail: uerr.Error()}
	}
	switch resp.Status {
	case StatusOK:
		return Result{Instance: target, Status: StatusOK}
	case StatusConflict:
		return Result{Instance: target, Status: StatusConflict, Detail: resp.Detail}
	default:
		rerr := &RemoteRejectedError{Instance: target, Detail: resp.Detail}
		return Result{Instance: target, Status: StatusRejected, Detail: rerr.Detail}
	}
}

// rollback compensates every instance that already applied a high-severity
// event, the local instance included.
func (d *Dispatcher) rollback(ctx context.Context, ev *Event, h Handlers) {
	for instance, res := range ev.Results {
		if instance == d.rt.Instance || res.Status != StatusOK {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := d.transport.Rollback(cctx, instance, ev.ID)
		cancel()
		switch {
		case err != nil:
			ev.Results[instance] = Result{Instance: instance, Status: StatusUnreachable,
				Detail: "rollback failed: " + err.Error()}
		case resp.Status == StatusOK:
			ev.Results[instance] = Result{Instance: instance, Status: StatusRolledBack}
		default:
			ev.Results[instance] = Result{Instance: instance, Status: res.Status,
				Detail: "rollback rejected: " + resp.Detail}
		}
	}
	if h.Rollback != nil {
		if err := h.Rollback(d.rt, ev); err != nil {
			log.Printf("event %s: local rollback: %v", ev.ID, err)
			return
		}
	}
	if err := d.rt.Store.MarkRolledBack(ev.ID); err != nil {
		log.Printf("event %s: mark rolled back: %v", ev.ID, err)
	}
	ev.Results[d.rt.Instance] = Result{Instance: d.rt.Instance, Status: StatusRolledBack}
}

func (d *Dispatcher) auditResults(ev *Event) {
	for _, r := range ev.Results {
		d.recordAudit(ev, r.Instance, r.Status, r.Detail)
	}
}

func (d *Dispatcher) recordAudit(ev *Event, instance, status, detail string) {
	audit := &models.EventAudit{
		EventID:  ev.ID,
		Kind:     ev.Kind,
		Instance: instance,
		Status:   status,
		Detail:   detail,
	}
	if err := d.rt.Store.RecordAudit(audit); err != nil {
		log.Printf("event %s: record audit for %s: %v", ev.ID, instance, err)
	}
}

func (d *Dispatcher) outcome(ev *Event, overall string) *Outcome {
	results := make([]Result, 0, len(ev.Results))
	for _, r := range ev.Results {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Instance < results[j].Instance })
	return &Outcome{EventID: ev.ID, State: ev.State, Overall: overall, Results: results}
}

// Classify maps an error from verify or manage to a wire response status.
func Classify(err error) (status, detail string) {
	var conflictErr *conflict.ConflictError
	var pre *LocalPreconditionError
	switch {
	case errors.As(err, &conflictErr):
		return StatusConflict, conflictErr.Error()
	case errors.Is(err, conflict.ErrItemLocked):
		return StatusConflict, err.Error()
	case errors.As(err, &pre):
		return StatusRejected, pre.Reason
	default:
		return StatusRejected, err.Error()
	}
}
