// Package nav computes traversable routes over the game map. The navigation
// grid is immutable once built; static obstacle changes produce a fresh grid
// with a higher generation so cached paths can detect staleness.
package nav

import (
	"math"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

// Obstacle is a static blocking rectangle on the map.
type Obstacle struct {
	ID string `json:"id" msgpack:"id"`
	geom.Rect
}

// GridConfig describes the navigable area.
type GridConfig struct {
	Width    float64
	Height   float64
	CellSize float64
	// Clearance inflates obstacles so paths keep at least a unit footprint
	// of distance from static geometry.
	Clearance float64
}

type navNeighbor struct {
	col      int
	row      int
	cost     float64
	diagonal bool
}

var navNeighborOffsets = [...]navNeighbor{
	{col: 0, row: -1, cost: 1, diagonal: false},
	{col: 1, row: 0, cost: 1, diagonal: false},
	{col: 0, row: 1, cost: 1, diagonal: false},
	{col: -1, row: 0, cost: 1, diagonal: false},
	{col: 1, row: -1, cost: math.Sqrt2, diagonal: true},
	{col: 1, row: 1, cost: math.Sqrt2, diagonal: true},
	{col: -1, row: 1, cost: math.Sqrt2, diagonal: true},
	{col: -1, row: -1, cost: math.Sqrt2, diagonal: true},
}

// Grid is the static walkability raster shared by all pathfinding requests.
// It is read-only after construction.
type Grid struct {
	cfg        GridConfig
	cols, rows int
	walkable   []bool
	obstacles  []Obstacle
	generation uint64
}

// NewGrid rasterizes the obstacle set into a walkability grid at generation 1.
func NewGrid(cfg GridConfig, obstacles []Obstacle) *Grid {
	return buildGrid(cfg, obstacles, 1)
}

// Rebuild produces a new grid for the updated obstacle set. The generation
// counter advances so paths planned against g are recognizably stale.
func (g *Grid) Rebuild(obstacles []Obstacle) *Grid {
	if g == nil {
		return nil
	}
	return buildGrid(g.cfg, obstacles, g.generation+1)
}

func buildGrid(cfg GridConfig, obstacles []Obstacle, generation uint64) *Grid {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 16
	}
	cols := int(math.Ceil(cfg.Width / cfg.CellSize))
	rows := int(math.Ceil(cfg.Height / cfg.CellSize))
	if cols <= 0 {
		cols = 1
	}
	if rows <= 0 {
		rows = 1
	}
	grid := &Grid{
		cfg:        cfg,
		cols:       cols,
		rows:       rows,
		walkable:   make([]bool, cols*rows),
		obstacles:  append([]Obstacle(nil), obstacles...),
		generation: generation,
	}

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cx := (float64(col) + 0.5) * cfg.CellSize
			cy := (float64(row) + 0.5) * cfg.CellSize
			if cx < cfg.Clearance || cx > cfg.Width-cfg.Clearance || cy < cfg.Clearance || cy > cfg.Height-cfg.Clearance {
				continue
			}
			blocked := false
			for _, obs := range obstacles {
				if geom.CircleRectOverlap(cx, cy, cfg.Clearance, obs.Rect) {
					blocked = true
					break
				}
			}
			if !blocked {
				grid.walkable[row*cols+col] = true
			}
		}
	}

	return grid
}

// Generation reports the rebuild counter for staleness checks.
func (g *Grid) Generation() uint64 {
	if g == nil {
		return 0
	}
	return g.generation
}

// Cols reports the number of grid columns.
func (g *Grid) Cols() int {
	if g == nil {
		return 0
	}
	return g.cols
}

// Rows reports the number of grid rows.
func (g *Grid) Rows() int {
	if g == nil {
		return 0
	}
	return g.rows
}

// CellSize reports the size of each cell in world units.
func (g *Grid) CellSize() float64 {
	if g == nil {
		return 0
	}
	return g.cfg.CellSize
}

// Bounds reports the navigable world dimensions.
func (g *Grid) Bounds() (float64, float64) {
	if g == nil {
		return 0, 0
	}
	return g.cfg.Width, g.cfg.Height
}

// Clearance reports the obstacle inflation radius the grid was built with.
func (g *Grid) Clearance() float64 {
	if g == nil {
		return 0
	}
	return g.cfg.Clearance
}

// Obstacles returns the obstacle set the grid was built from.
func (g *Grid) Obstacles() []Obstacle {
	if g == nil {
		return nil
	}
	return g.obstacles
}

// ClampToBounds limits a point to the navigable area, respecting clearance.
func (g *Grid) ClampToBounds(p geom.Vec2) geom.Vec2 {
	if g == nil {
		return p
	}
	return geom.Vec2{
		X: geom.Clamp(p.X, g.cfg.Clearance, g.cfg.Width-g.cfg.Clearance),
		Y: geom.Clamp(p.Y, g.cfg.Clearance, g.cfg.Height-g.cfg.Clearance),
	}
}

func (g *Grid) inBounds(col, row int) bool {
	return g != nil && col >= 0 && row >= 0 && col < g.cols && row < g.rows
}

func (g *Grid) index(col, row int) int {
	return row*g.cols + col
}

func (g *Grid) isWalkable(col, row int) bool {
	if !g.inBounds(col, row) {
		return false
	}
	return g.walkable[g.index(col, row)]
}

// Walkable reports whether the cell containing p is navigable.
func (g *Grid) Walkable(p geom.Vec2) bool {
	col, row, ok := g.locate(p.X, p.Y)
	if !ok {
		return false
	}
	return g.isWalkable(col, row)
}

func (g *Grid) worldPos(col, row int) geom.Vec2 {
	return geom.Vec2{
		X: (float64(col) + 0.5) * g.cfg.CellSize,
		Y: (float64(row) + 0.5) * g.cfg.CellSize,
	}
}

func (g *Grid) locate(x, y float64) (int, int, bool) {
	if g == nil || g.cols == 0 || g.rows == 0 {
		return 0, 0, false
	}
	if x < 0 || y < 0 || x > g.cfg.Width || y > g.cfg.Height {
		return 0, 0, false
	}
	col := int(math.Min(x, g.cfg.Width-1) / g.cfg.CellSize)
	row := int(math.Min(y, g.cfg.Height-1) / g.cfg.CellSize)
	if !g.inBounds(col, row) {
		return 0, 0, false
	}
	return col, row, true
}

func (g *Grid) canTraverseDiagonal(current cell, delta navNeighbor) bool {
	if g == nil || !delta.diagonal {
		return true
	}
	if !g.isWalkable(current.col+delta.col, current.row) {
		return false
	}
	return g.isWalkable(current.col, current.row+delta.row)
}

// closestWalkable searches outward from the given cell in breadth-first order
// and returns the nearest walkable cell. The expansion order is fixed so all
// peers resolve the same cell.
func (g *Grid) closestWalkable(col, row int) (int, int, bool) {
	if !g.inBounds(col, row) {
		return 0, 0, false
	}
	visited := make(map[int]struct{})
	queue := []cell{{col: col, row: row}}
	visited[g.index(col, row)] = struct{}{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if g.walkable[g.index(current.col, current.row)] {
			return current.col, current.row, true
		}
		for _, delta := range navNeighborOffsets {
			nc := current.col + delta.col
			nr := current.row + delta.row
			if !g.inBounds(nc, nr) {
				continue
			}
			idx := g.index(nc, nr)
			if _, seen := visited[idx]; seen {
				continue
			}
			visited[idx] = struct{}{}
			queue = append(queue, cell{col: nc, row: nr})
		}
	}
	return 0, 0, false
}

// SegmentClear reports whether the straight segment a-b crosses only walkable
// cells. Used by path smoothing and replan checks. Blocked cells inside the
// segment's bounding box are tested with an exact segment-rectangle clip, so
// a segment grazing a blocked corner is never missed the way point sampling
// can miss it.
func (g *Grid) SegmentClear(a, b geom.Vec2) bool {
	if g == nil {
		return false
	}
	if !g.Walkable(a) || !g.Walkable(b) {
		return false
	}
	minCol, minRow, ok := g.locate(math.Min(a.X, b.X), math.Min(a.Y, b.Y))
	if !ok {
		return false
	}
	maxCol, maxRow, ok := g.locate(math.Max(a.X, b.X), math.Max(a.Y, b.Y))
	if !ok {
		return false
	}
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			if g.walkable[g.index(col, row)] {
				continue
			}
			rect := geom.Rect{
				X:      float64(col) * g.cfg.CellSize,
				Y:      float64(row) * g.cfg.CellSize,
				Width:  g.cfg.CellSize,
				Height: g.cfg.CellSize,
			}
			if geom.SegmentRectIntersects(a, b, 0, rect) {
				return false
			}
		}
	}
	return true
}

type cell struct {
	col int
	row int
}
