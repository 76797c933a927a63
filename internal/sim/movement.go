package sim

import (
	"math"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
)

const (
	// avoidanceRadiusFactor scales an entity's radius into its local
	// avoidance neighborhood.
	avoidanceRadiusFactor = 4.0
	// waypointEpsilonFactor scales the radius into the reach tolerance for
	// popping waypoints.
	waypointEpsilonFactor = 0.75
	// separationIterations bounds the pairwise de-overlap sweep per tick.
	separationIterations = 4
	// OverlapTolerance is the residual footprint overlap allowed at the end
	// of a tick.
	OverlapTolerance = 0.01
)

// resolveMovement advances every pathing entity by one tick and then enforces
// the non-overlap invariant. Entities are processed in ascending ID order and
// all inputs are tick-local, so identical inputs yield identical positions on
// every peer.
func resolveMovement(w *World, dt float64) {
	if w == nil || dt <= 0 {
		return
	}
	grid := w.Grid()

	for _, id := range w.EntityIDs() {
		entity, ok := w.Entity(id)
		if !ok || !entity.Moving() {
			continue
		}
		waypoint, _ := entity.Path.Next()

		desired := waypoint.Sub(entity.Pos)
		distToWaypoint := desired.Len()
		speed := entity.MaxSpeed
		if speed <= 0 {
			continue
		}
		velocity := desired.Normalized().Scale(speed)
		velocity = avoidNeighbors(w, entity, velocity)
		if l := velocity.Len(); l > speed {
			velocity = velocity.Scale(speed / l)
		}

		step := velocity.Scale(dt)
		if stepLen := step.Len(); stepLen > distToWaypoint && distToWaypoint > 0 && len(entity.Path.Waypoints) == 1 {
			// Do not overshoot the final goal.
			step = step.Scale(distToWaypoint / stepLen)
		}

		next := moveWithObstacles(grid, entity.Pos, step, entity.Radius)
		if velocity.X != 0 || velocity.Y != 0 {
			entity.Orientation = math.Atan2(velocity.Y, velocity.X)
		}
		w.CommitPosition(id, next)

		epsilon := entity.Radius * waypointEpsilonFactor
		for {
			waypoint, ok := entity.Path.Next()
			if !ok {
				break
			}
			if geom.Dist(entity.Pos, waypoint) > epsilon {
				break
			}
			entity.Path = entity.Path.Advance()
		}
		if entity.Path.Empty() && entity.Directive.Kind != DirectiveHoldPosition {
			entity.Directive = Directive{Kind: DirectiveIdle}
		}
	}

	separateEntities(w)
}

// avoidNeighbors steers the desired velocity away from imminent overlap with
// nearby entities while preserving forward progress. Neighbor iteration is
// sorted by the spatial index, keeping the adjustment deterministic.
func avoidNeighbors(w *World, entity *Entity, velocity geom.Vec2) geom.Vec2 {
	neighborhood := entity.Radius * avoidanceRadiusFactor
	push := geom.Vec2{}
	for _, rawID := range w.Index().QueryNeighbors(entity.Pos, neighborhood) {
		otherID := EntityID(rawID)
		if otherID == entity.ID {
			continue
		}
		other, ok := w.Entity(otherID)
		if !ok {
			continue
		}
		offset := entity.Pos.Sub(other.Pos)
		dist := offset.Len()
		personal := entity.Radius + other.Radius
		if dist >= neighborhood {
			continue
		}
		var away geom.Vec2
		if dist == 0 {
			// Coincident entities separate along a fixed axis; the
			// lower ID yields left so both sides agree.
			away = geom.Vec2{X: 1}
			if entity.ID < otherID {
				away = geom.Vec2{X: -1}
			}
		} else {
			away = offset.Scale(1 / dist)
		}
		// Weight grows as the gap closes; zero at the edge of the
		// neighborhood, strongest inside the personal distance.
		weight := 1.0
		if span := neighborhood - personal; span > 0 {
			weight = (neighborhood - dist) / span
			if weight > 1 {
				weight = 1
			}
		}
		push = push.Add(away.Scale(weight * entity.MaxSpeed))
	}
	if push.X == 0 && push.Y == 0 {
		return velocity
	}
	adjusted := velocity.Add(push.Scale(0.5))
	// Never fully reverse: keep at least a creep of forward progress so
	// crowded groups still converge on their goal.
	if adjusted.X*velocity.X+adjusted.Y*velocity.Y < 0 {
		adjusted = adjusted.Scale(0.25)
	}
	return adjusted
}

// moveWithObstacles advances pos by step with axis-separated obstacle
// clamping followed by penetration ejection, mirroring the behaviour of the
// static collision pass used for player actors.
func moveWithObstacles(grid *nav.Grid, pos geom.Vec2, step geom.Vec2, radius float64) geom.Vec2 {
	width, height := grid.Bounds()
	obstacles := grid.Obstacles()

	next := geom.Vec2{
		X: geom.Clamp(pos.X+step.X, radius, width-radius),
		Y: pos.Y,
	}
	if step.X != 0 {
		next.X = resolveAxisMoveX(pos.X, pos.Y, next.X, step.X, radius, obstacles, width)
	}
	proposedY := geom.Clamp(pos.Y+step.Y, radius, height-radius)
	if step.Y != 0 {
		proposedY = resolveAxisMoveY(next.X, pos.Y, proposedY, step.Y, radius, obstacles, height)
	}
	next.Y = proposedY

	return resolvePenetration(next, radius, obstacles, width, height)
}

func resolveAxisMoveX(oldX, oldY, proposedX, deltaX, radius float64, obstacles []nav.Obstacle, width float64) float64 {
	newX := proposedX
	for _, obs := range obstacles {
		minY := obs.Y - radius
		maxY := obs.Y + obs.Height + radius
		if oldY < minY || oldY > maxY {
			continue
		}
		if deltaX > 0 {
			boundary := obs.X - radius
			if oldX <= boundary && newX > boundary {
				newX = boundary
			}
		} else if deltaX < 0 {
			boundary := obs.X + obs.Width + radius
			if oldX >= boundary && newX < boundary {
				newX = boundary
			}
		}
	}
	return geom.Clamp(newX, radius, width-radius)
}

func resolveAxisMoveY(oldX, oldY, proposedY, deltaY, radius float64, obstacles []nav.Obstacle, height float64) float64 {
	newY := proposedY
	for _, obs := range obstacles {
		minX := obs.X - radius
		maxX := obs.X + obs.Width + radius
		if oldX < minX || oldX > maxX {
			continue
		}
		if deltaY > 0 {
			boundary := obs.Y - radius
			if oldY <= boundary && newY > boundary {
				newY = boundary
			}
		} else if deltaY < 0 {
			boundary := obs.Y + obs.Height + radius
			if oldY >= boundary && newY < boundary {
				newY = boundary
			}
		}
	}
	return geom.Clamp(newY, radius, height-radius)
}

// resolvePenetration nudges a position out of any overlapping obstacle.
func resolvePenetration(pos geom.Vec2, radius float64, obstacles []nav.Obstacle, width, height float64) geom.Vec2 {
	for _, obs := range obstacles {
		if !geom.CircleRectOverlap(pos.X, pos.Y, radius, obs.Rect) {
			continue
		}
		closestX := geom.Clamp(pos.X, obs.X, obs.X+obs.Width)
		closestY := geom.Clamp(pos.Y, obs.Y, obs.Y+obs.Height)
		dx := pos.X - closestX
		dy := pos.Y - closestY
		distSq := dx*dx + dy*dy

		if distSq == 0 {
			// Center inside the rect: eject through the nearest face.
			left := math.Abs(pos.X - obs.X)
			right := math.Abs(obs.X + obs.Width - pos.X)
			top := math.Abs(pos.Y - obs.Y)
			bottom := math.Abs(obs.Y + obs.Height - pos.Y)

			minDist := left
			direction := 0
			if right < minDist {
				minDist = right
				direction = 1
			}
			if top < minDist {
				minDist = top
				direction = 2
			}
			if bottom < minDist {
				direction = 3
			}
			switch direction {
			case 0:
				pos.X = obs.X - radius
			case 1:
				pos.X = obs.X + obs.Width + radius
			case 2:
				pos.Y = obs.Y - radius
			case 3:
				pos.Y = obs.Y + obs.Height + radius
			}
		} else {
			dist := math.Sqrt(distSq)
			if dist < radius {
				overlap := radius - dist
				pos.X += dx / dist * overlap
				pos.Y += dy / dist * overlap
			}
		}

		pos.X = geom.Clamp(pos.X, radius, width-radius)
		pos.Y = geom.Clamp(pos.Y, radius, height-radius)
	}
	return pos
}

// separateEntities enforces the end-of-tick invariant that no two footprints
// overlap beyond OverlapTolerance. Pairs are visited in ascending (id, id)
// order through the spatial index.
func separateEntities(w *World) {
	grid := w.Grid()
	width, height := grid.Bounds()
	obstacles := grid.Obstacles()
	ids := w.EntityIDs()

	for iter := 0; iter < separationIterations; iter++ {
		adjusted := false
		for _, id := range ids {
			entity, ok := w.Entity(id)
			if !ok {
				continue
			}
			searchRadius := entity.Radius + w.cfg.MaxRadius
			for _, rawID := range w.Index().QueryNeighbors(entity.Pos, searchRadius) {
				otherID := EntityID(rawID)
				if otherID <= id {
					continue
				}
				other, ok := w.Entity(otherID)
				if !ok {
					continue
				}
				offset := other.Pos.Sub(entity.Pos)
				minDist := entity.Radius + other.Radius
				dist := offset.Len()
				if dist >= minDist-OverlapTolerance {
					continue
				}
				var away geom.Vec2
				if dist == 0 {
					away = geom.Vec2{X: 1}
				} else {
					away = offset.Scale(1 / dist)
				}
				overlap := (minDist - dist) / 2

				p1 := entity.Pos.Sub(away.Scale(overlap))
				p2 := other.Pos.Add(away.Scale(overlap))
				p1 = resolvePenetration(geom.Vec2{
					X: geom.Clamp(p1.X, entity.Radius, width-entity.Radius),
					Y: geom.Clamp(p1.Y, entity.Radius, height-entity.Radius),
				}, entity.Radius, obstacles, width, height)
				p2 = resolvePenetration(geom.Vec2{
					X: geom.Clamp(p2.X, other.Radius, width-other.Radius),
					Y: geom.Clamp(p2.Y, other.Radius, height-other.Radius),
				}, other.Radius, obstacles, width, height)

				w.CommitPosition(id, p1)
				w.CommitPosition(otherID, p2)
				adjusted = true
			}
		}
		if !adjusted {
			break
		}
	}
}
