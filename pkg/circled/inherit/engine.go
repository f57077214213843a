package inherit

import (
	"sort"

	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
)

// MaxDepth bounds nested-circle expansion. Chains deeper than this are a
// data anomaly and are cut off rather than followed.
const MaxDepth = 16

// Engine computes the transitive closure of circle memberships, including
// circles nested inside circles, from the member graph in the store.
//
// Engine operations never fail with a user-facing error: an entity with no
// path into the graph yields empty results, and malformed member rows are
// skipped so the reachable subgraph is still returned.
type Engine struct {
	store *store.Store
}

// New creates an engine over the given store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

type reach struct {
	depth int
	level models.Level
}

// ComputeMemberships returns every circle the entity is reachable in, with
// the minimum depth at which each circle is reached. Depth 1 is a direct
// member edge; deeper rows come from nested circles. Cycles in the circle
// graph terminate traversal silently; they are a data anomaly, not a
// protocol violation.
//
// When two paths of equal depth disagree about level, the higher level wins,
// which keeps the result deterministic. Direct (depth-1) rows always shadow
// deeper paths because breadth-first order reaches them first.
func (e *Engine) ComputeMemberships(entitySingleID string) ([]models.Membership, error) {
	reached := map[string]reach{}

	type frame struct {
		circleID string
		depth    int
		level    models.Level
	}
	var queue []frame

	edges, err := e.store.CirclesContaining(entitySingleID)
	if err != nil {
		return nil, err
	}
	for _, edge := range edges {
		if !edge.IsValid() || edge.Status != models.StatusMember {
			continue
		}
		queue = append(queue, frame{circleID: edge.CircleID, depth: 1, level: edge.Level})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if known, ok := reached[cur.circleID]; ok {
			if known.depth < cur.depth || cur.level <= known.level {
				continue
			}
			// Equal depth via a higher-level path: raise the stored level
			// and expand again so ancestors pick up the raised cap. Levels
			// only ever increase here, so re-expansion terminates.
			reached[cur.circleID] = reach{depth: known.depth, level: cur.level}
		} else {
			reached[cur.circleID] = reach{depth: cur.depth, level: cur.level}
		}

		if cur.depth >= MaxDepth {
			continue
		}
		parents, err := e.store.CirclesContaining(cur.circleID)
		if err != nil {
			return nil, err
		}
		for _, edge := range parents {
			if !edge.IsValid() || edge.Status != models.StatusMember {
				continue
			}
			// An inherited level never exceeds the level granted to the
			// nested circle inside its parent.
			level := cur.level
			if edge.Level < level {
				level = edge.Level
			}
			queue = append(queue, frame{circleID: edge.CircleID, depth: cur.depth + 1, level: level})
		}
	}

	rows := make([]models.Membership, 0, len(reached))
	for circleID, r := range reached {
		rows = append(rows, models.Membership{
			SingleID: entitySingleID,
			CircleID: circleID,
			Depth:    r.depth,
			Level:    r.level,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Depth != rows[j].Depth {
			return rows[i].Depth < rows[j].Depth
		}
		return rows[i].CircleID < rows[j].CircleID
	})
	return rows, nil
}

// GetMembersFromCircle returns the direct members of a circle, but only if
// the acting entity has a membership path into it. An acting entity with no
// path gets an empty result rather than an error, to avoid leaking that the
// circle or its members exist.
func (e *Engine) GetMembersFromCircle(actingSingleID, circleSingleID string) ([]models.Member, error) {
	if !e.canSee(actingSingleID, circleSingleID) {
		return []models.Member{}, nil
	}
	return e.store.DirectMembers(circleSingleID)
}

func (e *Engine) canSee(actingSingleID, circleSingleID string) bool {
	memberships, err := e.ComputeMemberships(actingSingleID)
	if err != nil {
		return false
	}
	for _, m := range memberships {
		if m.CircleID == circleSingleID {
			return true
		}
	}
	return false
}

// EffectiveLevel returns the level the entity holds in the circle. A direct
// member edge always takes precedence over inherited paths.
func (e *Engine) EffectiveLevel(entitySingleID, circleSingleID string) (models.Level, error) {
	member, err := e.store.Member(circleSingleID, entitySingleID)
	if err == nil && member.Status == models.StatusMember {
		return member.Level, nil
	}
	memberships, err := e.ComputeMemberships(entitySingleID)
	if err != nil {
		return models.LevelNone, err
	}
	for _, m := range memberships {
		if m.CircleID == circleSingleID {
			return m.Level, nil
		}
	}
	return models.LevelNone, nil
}

// RebuildCache recomputes and replaces the cached membership rows for one
// entity.
func (e *Engine) RebuildCache(entitySingleID string) error {
	rows, err := e.ComputeMemberships(entitySingleID)
	if err != nil {
		return err
	}
	return e.store.ReplaceMemberships(entitySingleID, rows)
}

// RebuildCircle recomputes the membership cache for every entity reachable
// inside the circle, including entities pulled in through nested circles.
// Called after any member edge of the circle changes. Mutations that detach
// entities must rebuild a pre-mutation snapshot instead, via
// ReachableEntities and RebuildEntities, or the detached entities keep
// their stale cached rows.
func (e *Engine) RebuildCircle(circleSingleID string) error {
	return e.RebuildEntities(e.ReachableEntities(circleSingleID))
}

// ReachableEntities returns the circle itself plus every entity reachable
// inside it through nested circles. Callers about to remove edges snapshot
// this set first, so the entities the mutation detaches still get their
// caches rebuilt.
func (e *Engine) ReachableEntities(circleSingleID string) []string {
	entities := map[string]struct{}{circleSingleID: {}}
	e.collectEntities(circleSingleID, entities, map[string]struct{}{}, 0)
	out := make([]string, 0, len(entities))
	for entity := range entities {
		out = append(out, entity)
	}
	sort.Strings(out)
	return out
}

// RebuildEntities recomputes the membership cache for each listed entity.
func (e *Engine) RebuildEntities(entities []string) error {
	for _, entity := range entities {
		if err := e.RebuildCache(entity); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) collectEntities(circleID string, entities map[string]struct{}, visited map[string]struct{}, depth int) {
	if _, ok := visited[circleID]; ok || depth >= MaxDepth {
		return
	}
	visited[circleID] = struct{}{}
	members, err := e.store.DirectMembers(circleID)
	if err != nil {
		return
	}
	for _, m := range members {
		if !m.IsValid() {
			continue
		}
		entities[m.SingleID] = struct{}{}
		if m.Type == models.TypeCircle {
			e.collectEntities(m.SingleID, entities, visited, depth+1)
		}
	}
}

// AffectedInstances returns the distinct instances hosting any direct or
// inherited member of the circle. This is the dispatch fan-out set.
func (e *Engine) AffectedInstances(circleSingleID string) ([]string, error) {
	instances := map[string]struct{}{}
	visited := map[string]struct{}{}
	if err := e.collectInstances(circleSingleID, instances, visited, 0); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(instances))
	for instance := range instances {
		out = append(out, instance)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) collectInstances(circleID string, instances, visited map[string]struct{}, depth int) error {
	if _, ok := visited[circleID]; ok || depth >= MaxDepth {
		return nil
	}
	visited[circleID] = struct{}{}
	members, err := e.store.DirectMembers(circleID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if !m.IsValid() {
			continue
		}
		if m.Instance != "" {
			instances[m.Instance] = struct{}{}
		}
		if m.Type == models.TypeCircle {
			if err := e.collectInstances(m.SingleID, instances, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
