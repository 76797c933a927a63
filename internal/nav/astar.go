package nav

import (
	"container/heap"
	"errors"
	"math"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

// ErrUnreachable reports that no route exists between start and goal. Callers
// must treat it as a no-op for the requesting entity; a partial path is never
// returned.
var ErrUnreachable = errors.New("nav: goal unreachable")

// Path is an ordered waypoint sequence from an entity's position to a goal.
// Consecutive waypoints are mutually traversable. Generation records the grid
// the path was planned against; a lower value than the live grid means the
// path must be replanned before use.
type Path struct {
	Waypoints  []geom.Vec2
	Goal       geom.Vec2
	Generation uint64
}

// Empty reports whether the path has no remaining waypoints.
func (p Path) Empty() bool {
	return len(p.Waypoints) == 0
}

// Next returns the first remaining waypoint.
func (p Path) Next() (geom.Vec2, bool) {
	if len(p.Waypoints) == 0 {
		return geom.Vec2{}, false
	}
	return p.Waypoints[0], true
}

// Advance drops the first waypoint and returns the shortened path. The
// waypoint slice is shared; paths are replaced wholesale on replan, never
// mutated concurrently with a reader.
func (p Path) Advance() Path {
	if len(p.Waypoints) == 0 {
		return p
	}
	return Path{Waypoints: p.Waypoints[1:], Goal: p.Goal, Generation: p.Generation}
}

// TravelCost sums segment lengths from start through every waypoint.
func (p Path) TravelCost(start geom.Vec2) float64 {
	cost := 0.0
	prev := start
	for _, wp := range p.Waypoints {
		cost += geom.Dist(prev, wp)
		prev = wp
	}
	return cost
}

type pathNode struct {
	point  cell
	g      float64
	f      float64
	seq    uint64
	index  int
	parent *pathNode
}

// pathQueue orders by f-score, breaking ties by insertion sequence so every
// peer expands nodes identically.
type pathQueue struct {
	nodes []*pathNode
	seq   uint64
}

func (pq *pathQueue) Len() int { return len(pq.nodes) }

func (pq *pathQueue) Less(i, j int) bool {
	if pq.nodes[i].f != pq.nodes[j].f {
		return pq.nodes[i].f < pq.nodes[j].f
	}
	return pq.nodes[i].seq < pq.nodes[j].seq
}

func (pq *pathQueue) Swap(i, j int) {
	pq.nodes[i], pq.nodes[j] = pq.nodes[j], pq.nodes[i]
	pq.nodes[i].index = i
	pq.nodes[j].index = j
}

func (pq *pathQueue) Push(x any) {
	item := x.(*pathNode)
	item.index = len(pq.nodes)
	pq.seq++
	item.seq = pq.seq
	pq.nodes = append(pq.nodes, item)
}

func (pq *pathQueue) Pop() any {
	old := pq.nodes
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.nodes = old[:n-1]
	return item
}

// octile distance, admissible for 8-connected grids with sqrt(2) diagonals.
func (g *Grid) heuristic(a, b cell) float64 {
	dx := math.Abs(float64(a.col - b.col))
	dy := math.Abs(float64(a.row - b.row))
	if dx > dy {
		return dx + (math.Sqrt2-1)*dy
	}
	return dy + (math.Sqrt2-1)*dx
}

func (g *Grid) astar(start, goal cell) ([]cell, bool) {
	open := &pathQueue{}
	heap.Init(open)
	heap.Push(open, &pathNode{point: start, g: 0, f: g.heuristic(start, goal)})
	gScore := map[int]float64{g.index(start.col, start.row): 0}
	closed := make(map[int]struct{})

	for open.Len() > 0 {
		current := heap.Pop(open).(*pathNode)
		currIdx := g.index(current.point.col, current.point.row)
		if _, seen := closed[currIdx]; seen {
			continue
		}
		closed[currIdx] = struct{}{}
		if current.point == goal {
			return reconstructPath(current), true
		}

		for _, delta := range navNeighborOffsets {
			if delta.diagonal && !g.canTraverseDiagonal(current.point, delta) {
				continue
			}
			nc := current.point.col + delta.col
			nr := current.point.row + delta.row
			if !g.isWalkable(nc, nr) {
				continue
			}
			idx := g.index(nc, nr)
			if _, seen := closed[idx]; seen {
				continue
			}
			tentativeG := current.g + delta.cost
			if prev, ok := gScore[idx]; ok && tentativeG >= prev {
				continue
			}
			gScore[idx] = tentativeG
			next := cell{col: nc, row: nr}
			heap.Push(open, &pathNode{
				point:  next,
				g:      tentativeG,
				f:      tentativeG + g.heuristic(next, goal),
				parent: current,
			})
		}
	}
	return nil, false
}

func reconstructPath(end *pathNode) []cell {
	if end == nil {
		return nil
	}
	path := make([]cell, 0)
	for node := end; node != nil; node = node.parent {
		path = append(path, node.point)
	}
	for i := 0; i < len(path)/2; i++ {
		j := len(path) - 1 - i
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// FindPath computes a route from start to goal. The start cell snaps to the
// nearest walkable cell when the entity stands inside clearance of an
// obstacle; an unwalkable goal is ErrUnreachable, as is any start or goal
// outside the navigable bounds.
func (g *Grid) FindPath(start, goal geom.Vec2) (Path, error) {
	if g == nil {
		return Path{}, ErrUnreachable
	}
	startCol, startRow, ok := g.locate(start.X, start.Y)
	if !ok {
		return Path{}, ErrUnreachable
	}
	goalCol, goalRow, ok := g.locate(goal.X, goal.Y)
	if !ok {
		return Path{}, ErrUnreachable
	}
	if !g.isWalkable(startCol, startRow) {
		sc, sr, ok := g.closestWalkable(startCol, startRow)
		if !ok {
			return Path{}, ErrUnreachable
		}
		startCol, startRow = sc, sr
	}
	if !g.isWalkable(goalCol, goalRow) {
		return Path{}, ErrUnreachable
	}

	nodes, ok := g.astar(cell{col: startCol, row: startRow}, cell{col: goalCol, row: goalRow})
	if !ok || len(nodes) == 0 {
		return Path{}, ErrUnreachable
	}
	if len(nodes) == 1 {
		return Path{Waypoints: []geom.Vec2{goal}, Goal: goal, Generation: g.generation}, nil
	}

	waypoints := make([]geom.Vec2, 0, len(nodes))
	for i := 1; i < len(nodes); i++ {
		waypoints = append(waypoints, g.worldPos(nodes[i].col, nodes[i].row))
	}
	last := waypoints[len(waypoints)-1]
	if geom.Dist(last, goal) > 1 {
		waypoints = append(waypoints, goal)
	} else {
		waypoints[len(waypoints)-1] = goal
	}

	waypoints = g.smooth(start, waypoints)
	return Path{Waypoints: waypoints, Goal: goal, Generation: g.generation}, nil
}

// smooth removes interior waypoints whose bridging segment is clear, keeping
// the invariant that consecutive waypoints are mutually traversable.
func (g *Grid) smooth(start geom.Vec2, waypoints []geom.Vec2) []geom.Vec2 {
	if len(waypoints) < 2 {
		return waypoints
	}
	out := make([]geom.Vec2, 0, len(waypoints))
	anchor := start
	i := 0
	for i < len(waypoints)-1 {
		// Furthest waypoint still visible from the anchor.
		furthest := i
		for j := i + 1; j < len(waypoints); j++ {
			if g.SegmentClear(anchor, waypoints[j]) {
				furthest = j
			} else {
				break
			}
		}
		out = append(out, waypoints[furthest])
		anchor = waypoints[furthest]
		i = furthest + 1
	}
	if i == len(waypoints)-1 {
		out = append(out, waypoints[i])
	}
	return out
}
