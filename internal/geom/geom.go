package geom

import "math"

// Vec2 is a point or direction on the ground plane.
type Vec2 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{X: v.X - o.X, Y: v.Y - o.Y}
}

// Scale returns v scaled by s.
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{X: v.X * s, Y: v.Y * s}
}

// Len returns the euclidean length of v.
func (v Vec2) Len() float64 {
	return math.Hypot(v.X, v.Y)
}

// Normalized returns v scaled to unit length, or the zero vector.
func (v Vec2) Normalized() Vec2 {
	length := v.Len()
	if length == 0 {
		return Vec2{}
	}
	return Vec2{X: v.X / length, Y: v.Y / length}
}

// Dist returns the distance between a and b.
func Dist(a, b Vec2) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Rect is an axis-aligned rectangle anchored at its top-left corner.
type Rect struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// Clamp limits value to the range [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// CircleRectOverlap reports whether a circle intersects a rectangle.
func CircleRectOverlap(cx, cy, radius float64, rect Rect) bool {
	closestX := Clamp(cx, rect.X, rect.X+rect.Width)
	closestY := Clamp(cy, rect.Y, rect.Y+rect.Height)
	dx := cx - closestX
	dy := cy - closestY
	return dx*dx+dy*dy < radius*radius
}

// SegmentRectIntersects reports whether the segment a-b, inflated by radius,
// touches the rectangle.
func SegmentRectIntersects(a, b Vec2, radius float64, rect Rect) bool {
	expanded := Rect{
		X:      rect.X - radius,
		Y:      rect.Y - radius,
		Width:  rect.Width + 2*radius,
		Height: rect.Height + 2*radius,
	}
	if pointInRect(a, expanded) || pointInRect(b, expanded) {
		return true
	}

	// Slab clipping of the parametric segment against the expanded rect.
	d := b.Sub(a)
	tMin, tMax := 0.0, 1.0
	for axis := 0; axis < 2; axis++ {
		var origin, dir, lo, hi float64
		if axis == 0 {
			origin, dir = a.X, d.X
			lo, hi = expanded.X, expanded.X+expanded.Width
		} else {
			origin, dir = a.Y, d.Y
			lo, hi = expanded.Y, expanded.Y+expanded.Height
		}
		if dir == 0 {
			if origin < lo || origin > hi {
				return false
			}
			continue
		}
		t1 := (lo - origin) / dir
		t2 := (hi - origin) / dir
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tMin {
			tMin = t1
		}
		if t2 < tMax {
			tMax = t2
		}
		if tMin > tMax {
			return false
		}
	}
	return true
}

func pointInRect(p Vec2, rect Rect) bool {
	return p.X >= rect.X && p.X <= rect.X+rect.Width && p.Y >= rect.Y && p.Y <= rect.Y+rect.Height
}
