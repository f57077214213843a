package events

import (
	"encoding/base64"
	"errors"

	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
)

// Built-in event kinds.
const (
	KindCircleCreate  = "circle.create"
	KindCircleDestroy = "circle.destroy"
	KindMemberAdd     = "member.add"
	KindMemberLevel   = "member.level"
	KindMemberRemove  = "member.remove"
	KindItemUpdate    = "item.update"
)

// Rollback parameters stashed during manage.
const (
	paramPreviousLevel    = "previousLevel"
	paramPreviousSnapshot = "previousSnapshot"
	paramHadPrevious      = "hadPrevious"

	// ParamBaseline marks an item update that seeds a new baseline
	// instead of requiring a checksum predecessor.
	ParamBaseline = "baseline"
)

// RegisterBuiltin binds the built-in event kinds to the registry. Called
// once at startup.
func RegisterBuiltin(r *Registry) {
	r.Register(KindCircleCreate, Handlers{
		Verify: verifyCircleCreate,
		Manage: manageCircleCreate,
		Rollback: func(rt *Runtime, ev *Event) error {
			err := rt.Store.DeleteCircle(ev.Circle.SingleID)
			if errors.Is(err, store.ErrCircleNotFound) {
				return nil
			}
			return err
		},
	})
	r.Register(KindCircleDestroy, Handlers{
		Verify: verifyCircleDestroy,
		Manage: manageCircleDestroy,
		// Compensation recreates the circle row itself; member edges are
		// restored by re-delivering their own events, not here.
		Rollback: manageCircleCreate,
	})
	r.Register(KindMemberAdd, Handlers{
		Verify: verifyMemberAdd,
		Manage: manageMemberAdd,
		Rollback: func(rt *Runtime, ev *Event) error {
			return removeMemberAndRebuild(rt, ev.Circle.SingleID, ev.Member.SingleID)
		},
	})
	r.Register(KindMemberLevel, Handlers{
		Verify: verifyMemberLevel,
		Manage: manageMemberLevel,
		Rollback: func(rt *Runtime, ev *Event) error {
			prev := models.ParseLevel(ev.Param(paramPreviousLevel))
			if prev == models.LevelNone {
				return nil
			}
			if err := rt.Store.UpdateMemberLevel(ev.Circle.SingleID, ev.Member.SingleID, prev); err != nil {
				return err
			}
			return rt.Engine.RebuildCircle(ev.Circle.SingleID)
		},
	})
	r.Register(KindMemberRemove, Handlers{
		Verify: verifyMemberRemove,
		Manage: func(rt *Runtime, ev *Event) error {
			return removeMemberAndRebuild(rt, ev.Circle.SingleID, ev.Member.SingleID)
		},
		Rollback: manageMemberAdd,
	})
	r.Register(KindItemUpdate, Handlers{
		Verify: verifyItemUpdate,
		Manage: manageItemUpdate,
		Rollback: rollbackItemUpdate,
	})
}

func verifyCircleCreate(rt *Runtime, ev *Event) error {
	if ev.Circle.SingleID == "" || ev.Circle.Name == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "circle requires singleId and name"}
	}
	// A circle may only be created by the instance that owns it.
	if ev.Origin != ev.Circle.Instance {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "circle creation must originate at the owning instance"}
	}
	return nil
}

func manageCircleCreate(rt *Runtime, ev *Event) error {
	if _, err := rt.Store.CircleBySingleID(ev.Circle.SingleID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrCircleNotFound) {
		return err
	}
	circle := refToCircle(&ev.Circle)
	if err := rt.Store.CreateCircle(circle); err != nil {
		return err
	}
	if ev.Circle.Initiator != nil {
		owner := RefToMember(ev.Circle.SingleID, ev.Circle.Initiator)
		owner.Level = models.LevelOwner
		owner.Status = models.StatusMember
		if err := rt.Store.AddMember(owner); err != nil && !errors.Is(err, store.ErrAlreadyMember) {
			return err
		}
	}
	return rt.Engine.RebuildCircle(ev.Circle.SingleID)
}

// manageCircleDestroy deletes the circle and rebuilds the caches of every
// entity that could reach it beforehand. The snapshot is taken before the
// delete: afterwards those entities are unreachable through the circle and
// RebuildCircle would miss them, leaving stale cached rows behind. Entities
// reachable through parent circles are included so inherited rows vanish
// with the nested circle.
func manageCircleDestroy(rt *Runtime, ev *Event) error {
	circleID := ev.Circle.SingleID
	affected := map[string]struct{}{}
	for _, entity := range rt.Engine.ReachableEntities(circleID) {
		affected[entity] = struct{}{}
	}
	if parents, err := rt.Store.CirclesContaining(circleID); err == nil {
		for _, edge := range parents {
			for _, entity := range rt.Engine.ReachableEntities(edge.CircleID) {
				affected[entity] = struct{}{}
			}
		}
	}
	err := rt.Store.DeleteCircle(circleID)
	if errors.Is(err, store.ErrCircleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entities := make([]string, 0, len(affected))
	for entity := range affected {
		entities = append(entities, entity)
	}
	return rt.Engine.RebuildEntities(entities)
}

// removeMemberAndRebuild deletes one member edge and rebuilds the caches of
// everything the circle could reach before the edge went away, the removed
// entity included. Removing an edge that is already gone still rebuilds,
// so re-delivery converges on the same cache state.
func removeMemberAndRebuild(rt *Runtime, circleID, singleID string) error {
	affected := rt.Engine.ReachableEntities(circleID)
	err := rt.Store.RemoveMember(circleID, singleID)
	if err != nil && !errors.Is(err, store.ErrEntityNotFound) {
		return err
	}
	return rt.Engine.RebuildEntities(affected)
}

func verifyCircleDestroy(rt *Runtime, ev *Event) error {
	if ev.Circle.SingleID == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "circle singleId required"}
	}
	if level, checked := initiatorLevel(rt, ev); checked && level != models.LevelOwner {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "only the owner may destroy a circle"}
	}
	return nil
}

func verifyMemberAdd(rt *Runtime, ev *Event) error {
	if ev.Member == nil || ev.Member.SingleID == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "member required"}
	}
	if ev.Member.SingleID == ev.Circle.SingleID {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "a circle cannot contain itself"}
	}
	if models.ParseLevel(ev.Member.Level) == models.LevelOwner {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "ownership is granted at creation or by explicit transfer"}
	}
	if level, checked := initiatorLevel(rt, ev); checked && !level.CanManageMembers() {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "initiator must be at least moderator"}
	}
	return nil
}

func manageMemberAdd(rt *Runtime, ev *Event) error {
	// A remote instance may see the circle for the first time through this
	// event; mirror the circle row before binding the member.
	if _, err := rt.Store.CircleBySingleID(ev.Circle.SingleID); errors.Is(err, store.ErrCircleNotFound) {
		if cerr := rt.Store.CreateCircle(refToCircle(&ev.Circle)); cerr != nil {
			return cerr
		}
	} else if err != nil {
		return err
	}
	member := RefToMember(ev.Circle.SingleID, ev.Member)
	if err := rt.Store.AddMember(member); err != nil && !errors.Is(err, store.ErrAlreadyMember) {
		return err
	}
	return rt.Engine.RebuildCircle(ev.Circle.SingleID)
}

func verifyMemberLevel(rt *Runtime, ev *Event) error {
	if ev.Member == nil || ev.Member.SingleID == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "member required"}
	}
	if models.ParseLevel(ev.Member.Level) == models.LevelNone {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "unknown level"}
	}
	if level, checked := initiatorLevel(rt, ev); checked && !level.CanManageLevels() {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "initiator must be at least admin"}
	}
	return nil
}

func manageMemberLevel(rt *Runtime, ev *Event) error {
	if prev, err := rt.Store.Member(ev.Circle.SingleID, ev.Member.SingleID); err == nil {
		ev.SetParam(paramPreviousLevel, prev.Level.String())
	}
	level := models.ParseLevel(ev.Member.Level)
	if err := rt.Store.UpdateMemberLevel(ev.Circle.SingleID, ev.Member.SingleID, level); err != nil {
		return err
	}
	return rt.Engine.RebuildCircle(ev.Circle.SingleID)
}

func verifyMemberRemove(rt *Runtime, ev *Event) error {
	if ev.Member == nil || ev.Member.SingleID == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "member required"}
	}
	if models.ParseLevel(ev.Member.Level) == models.LevelOwner {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "the owner must transfer ownership before leaving"}
	}
	init := ev.Circle.Initiator
	if init != nil && init.SingleID == ev.Member.SingleID {
		return nil // leaving on one's own is always allowed
	}
	if level, checked := initiatorLevel(rt, ev); checked && !level.CanManageMembers() {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "initiator must be at least moderator"}
	}
	return nil
}

func verifyItemUpdate(rt *Runtime, ev *Event) error {
	if ev.Item == nil || ev.Item.SingleID == "" {
		return &LocalPreconditionError{Kind: ev.Kind, Reason: "synced item required"}
	}
	return nil
}

func manageItemUpdate(rt *Runtime, ev *Event) error {
	candidate := &conflict.Candidate{
		SingleID:     ev.Item.SingleID,
		Snapshot:     ev.Item.Snapshot,
		Checksum:     ev.Item.Checksum,
		PrevChecksum: ev.Item.PrevChecksum,
	}
	strict := ev.Param(ParamBaseline) != "true"
	if err := rt.Conflicts.CompareWithKnownItem(candidate, strict); err != nil {
		return err
	}
	if prev, err := rt.Conflicts.Item(ev.Item.SingleID); err == nil {
		ev.SetParam(paramHadPrevious, "true")
		ev.SetParam(paramPreviousSnapshot, base64.StdEncoding.EncodeToString(prev.Snapshot))
	}
	_, err := rt.Conflicts.CommitItem(ev.Item.SingleID, ev.Item.Snapshot)
	return err
}

func rollbackItemUpdate(rt *Runtime, ev *Event) error {
	if ev.Param(paramHadPrevious) != "true" {
		return rt.Conflicts.DeleteItem(ev.Item.SingleID)
	}
	snapshot, err := base64.StdEncoding.DecodeString(ev.Param(paramPreviousSnapshot))
	if err != nil {
		return err
	}
	_, err = rt.Conflicts.CommitItem(ev.Item.SingleID, snapshot)
	return err
}

// initiatorLevel resolves the acting member's effective level in the target
// circle. The check is skipped (checked=false) when no initiator travels
// with the event or when the circle is not yet known locally, which happens
// on a remote instance seeing the circle for the first time; the origin has
// already verified the initiator there.
func initiatorLevel(rt *Runtime, ev *Event) (models.Level, bool) {
	init := ev.Circle.Initiator
	if init == nil {
		return models.LevelNone, false
	}
	if _, err := rt.Store.CircleBySingleID(ev.Circle.SingleID); err != nil {
		return models.LevelNone, false
	}
	level, err := rt.Engine.EffectiveLevel(init.SingleID, ev.Circle.SingleID)
	if err != nil {
		return models.LevelNone, false
	}
	return level, true
}

func refToCircle(ref *CircleRef) *models.Circle {
	return &models.Circle{
		SingleID:  ref.SingleID,
		Name:      ref.Name,
		Instance:  ref.Instance,
		Visible:   ref.Flags.Visible,
		Open:      ref.Flags.Open,
		Personal:  ref.Flags.Personal,
		Federated: ref.Flags.Federated,
		Backend:   ref.Flags.Backend,
	}
}
