// Package spatial maintains a uniform cell-bucket index over mobile entity
// positions so movement and pathfinding can run neighbor queries without
// scanning the whole entity set.
package spatial

import (
	"math"
	"sort"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

type cellKey struct {
	X int
	Y int
}

type entry struct {
	cell cellKey
	pos  geom.Vec2
}

// Index buckets entity identifiers by grid cell. Each live entity occupies
// exactly one bucket consistent with its last reported position. The index is
// not safe for concurrent mutation; the simulation owns it and mutates it only
// from the tick goroutine.
type Index struct {
	cellSize    float64
	invCellSize float64
	cells       map[cellKey][]uint64
	entries     map[uint64]entry
}

// NewIndex constructs an index with the given cell size. Cell size should be
// at least the diameter of the largest unit footprint so a radius query never
// needs to scan more than the 3x3 cell neighborhood around its center.
func NewIndex(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Index{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[cellKey][]uint64),
		entries:     make(map[uint64]entry),
	}
}

// Len reports the number of tracked entities.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Upsert inserts the entity or moves it to the bucket matching pos. Updates
// within the same cell are O(1); crossing a cell boundary removes the stale
// bucket entry before appending to the new one.
func (idx *Index) Upsert(id uint64, pos geom.Vec2) {
	if idx == nil {
		return
	}
	key := idx.cellAt(pos)
	prev, existed := idx.entries[id]
	if existed {
		if prev.cell == key {
			idx.entries[id] = entry{cell: key, pos: pos}
			return
		}
		idx.removeFromCell(id, prev.cell)
	}
	idx.entries[id] = entry{cell: key, pos: pos}
	idx.cells[key] = append(idx.cells[key], id)
}

// Remove drops the entity from the index. Removing an unknown entity is a
// no-op.
func (idx *Index) Remove(id uint64) {
	if idx == nil {
		return
	}
	prev, ok := idx.entries[id]
	if !ok {
		return
	}
	idx.removeFromCell(id, prev.cell)
	delete(idx.entries, id)
}

// Position reports the last recorded position for the entity.
func (idx *Index) Position(id uint64) (geom.Vec2, bool) {
	if idx == nil {
		return geom.Vec2{}, false
	}
	e, ok := idx.entries[id]
	if !ok {
		return geom.Vec2{}, false
	}
	return e.pos, true
}

// QueryNeighbors returns the identifiers of entities within radius of pos,
// sorted ascending so callers iterate deterministically. Queries over empty
// regions return nil.
func (idx *Index) QueryNeighbors(pos geom.Vec2, radius float64) []uint64 {
	if idx == nil || radius < 0 {
		return nil
	}
	minX := idx.coordToCell(pos.X - radius)
	maxX := idx.coordToCell(pos.X + radius)
	minY := idx.coordToCell(pos.Y - radius)
	maxY := idx.coordToCell(pos.Y + radius)

	radiusSq := radius * radius
	var out []uint64
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			for _, id := range idx.cells[cellKey{X: cx, Y: cy}] {
				e := idx.entries[id]
				dx := e.pos.X - pos.X
				dy := e.pos.Y - pos.Y
				if dx*dx+dy*dy <= radiusSq {
					out = append(out, id)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// QueryAlong returns entities whose positions fall within radius of the
// segment a-b, sorted ascending.
func (idx *Index) QueryAlong(a, b geom.Vec2, radius float64) []uint64 {
	if idx == nil || radius < 0 {
		return nil
	}
	minX := idx.coordToCell(math.Min(a.X, b.X) - radius)
	maxX := idx.coordToCell(math.Max(a.X, b.X) + radius)
	minY := idx.coordToCell(math.Min(a.Y, b.Y) - radius)
	maxY := idx.coordToCell(math.Max(a.Y, b.Y) + radius)

	var out []uint64
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			for _, id := range idx.cells[cellKey{X: cx, Y: cy}] {
				e := idx.entries[id]
				if pointSegmentDist(e.pos, a, b) <= radius {
					out = append(out, id)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (idx *Index) removeFromCell(id uint64, key cellKey) {
	bucket := idx.cells[key]
	for i := range bucket {
		if bucket[i] != id {
			continue
		}
		bucket[i] = bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		break
	}
	if len(bucket) == 0 {
		delete(idx.cells, key)
	} else {
		idx.cells[key] = bucket
	}
}

func (idx *Index) cellAt(pos geom.Vec2) cellKey {
	return cellKey{X: idx.coordToCell(pos.X), Y: idx.coordToCell(pos.Y)}
}

func (idx *Index) coordToCell(value float64) int {
	return int(math.Floor(value * idx.invCellSize))
}

func pointSegmentDist(p, a, b geom.Vec2) float64 {
	d := b.Sub(a)
	lenSq := d.X*d.X + d.Y*d.Y
	if lenSq == 0 {
		return geom.Dist(p, a)
	}
	t := ((p.X-a.X)*d.X + (p.Y-a.Y)*d.Y) / lenSq
	t = geom.Clamp(t, 0, 1)
	closest := geom.Vec2{X: a.X + t*d.X, Y: a.Y + t*d.Y}
	return geom.Dist(p, closest)
}
