package nav

import (
	"math"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

// FormationOffsets returns count goal offsets arranged in concentric rings
// around the shared destination. Slot 0 sits on the destination itself;
// successive rings hold 6, 12, 18, ... slots. The layout is a pure function
// of (count, spacing) so every peer derives identical slots.
func FormationOffsets(count int, spacing float64) []geom.Vec2 {
	if count <= 0 {
		return nil
	}
	if spacing <= 0 {
		spacing = 1
	}
	offsets := make([]geom.Vec2, 0, count)
	offsets = append(offsets, geom.Vec2{})
	ring := 1
	for len(offsets) < count {
		slots := 6 * ring
		radius := float64(ring) * spacing
		for s := 0; s < slots && len(offsets) < count; s++ {
			angle := 2 * math.Pi * float64(s) / float64(slots)
			offsets = append(offsets, geom.Vec2{
				X: radius * math.Cos(angle),
				Y: radius * math.Sin(angle),
			})
		}
		ring++
	}
	return offsets
}

// GroupRequest is a batched path request for entities sharing a destination.
type GroupRequest struct {
	Starts  []geom.Vec2
	Goal    geom.Vec2
	Spacing float64
}

// PlanGroup computes one reference path for the whole group and derives a
// per-entity path from it: each entity joins the reference route at the
// earliest waypoint visible from its own position and receives a formation
// slot around the goal instead of the exact destination point. Search cost is
// therefore one A* run plus slot adjustment, independent of how densely the
// group is clustered.
//
// The returned slice is parallel to req.Starts. Entries for entities with no
// route are zero-valued paths and errs[i] reports ErrUnreachable for them;
// one unreachable entity never fails the rest of the group.
func (g *Grid) PlanGroup(req GroupRequest) ([]Path, []error) {
	n := len(req.Starts)
	paths := make([]Path, n)
	errs := make([]error, n)
	if g == nil || n == 0 {
		for i := range errs {
			errs[i] = ErrUnreachable
		}
		return paths, errs
	}
	if n == 1 {
		paths[0], errs[0] = g.FindPath(req.Starts[0], req.Goal)
		return paths, errs
	}

	centroid := geom.Vec2{}
	for _, s := range req.Starts {
		centroid.X += s.X
		centroid.Y += s.Y
	}
	centroid.X /= float64(n)
	centroid.Y /= float64(n)

	reference, err := g.FindPath(centroid, req.Goal)
	if err != nil {
		// No group route at all; report per entity.
		for i := range errs {
			errs[i] = err
		}
		return paths, errs
	}

	offsets := FormationOffsets(n, req.Spacing)
	for i, start := range req.Starts {
		slot := g.slotGoal(req.Goal, offsets[i])
		waypoints := g.joinReference(start, reference.Waypoints)
		if waypoints == nil {
			// Entity cannot see the shared route; fall back to an
			// individual search toward its slot.
			individual, ferr := g.FindPath(start, slot)
			if ferr != nil {
				errs[i] = ferr
				continue
			}
			paths[i] = individual
			continue
		}
		joinPoint := start
		if len(waypoints) > 0 {
			joinPoint = waypoints[len(waypoints)-1]
		}
		if !g.SegmentClear(joinPoint, slot) {
			// The slot is not visible from the shared route; plan the
			// final leg individually.
			individual, ferr := g.FindPath(joinPoint, slot)
			if ferr != nil {
				errs[i] = ferr
				continue
			}
			waypoints = append(waypoints, individual.Waypoints...)
		} else {
			waypoints = append(waypoints, slot)
		}
		paths[i] = Path{
			Waypoints:  g.smooth(start, waypoints),
			Goal:       slot,
			Generation: g.generation,
		}
	}
	return paths, errs
}

// slotGoal places a formation offset near the goal, snapping to the nearest
// walkable cell when the slot lands on blocked ground.
func (g *Grid) slotGoal(goal geom.Vec2, offset geom.Vec2) geom.Vec2 {
	slot := g.ClampToBounds(goal.Add(offset))
	if g.Walkable(slot) {
		return slot
	}
	col, row, ok := g.locate(slot.X, slot.Y)
	if !ok {
		return goal
	}
	wc, wr, ok := g.closestWalkable(col, row)
	if !ok {
		return goal
	}
	return g.worldPos(wc, wr)
}

// joinReference returns the reference waypoints from the earliest one visible
// from start, excluding the final goal point. Returns nil when no waypoint is
// visible.
func (g *Grid) joinReference(start geom.Vec2, reference []geom.Vec2) []geom.Vec2 {
	if len(reference) == 0 {
		return nil
	}
	// The final reference waypoint is the shared goal; slots replace it.
	trimmed := reference[:len(reference)-1]
	for i := range trimmed {
		if g.SegmentClear(start, trimmed[i]) {
			return append([]geom.Vec2(nil), trimmed[i:]...)
		}
	}
	if g.SegmentClear(start, reference[len(reference)-1]) {
		// Only the goal itself is visible; the slot append supplies the
		// remaining leg.
		return []geom.Vec2{}
	}
	return nil
}
