package annotation

import "math"

// InkPoint is one sampled point of an ink gesture. Width and Opacity are
// optional on the wire; absent values are left nil rather than defaulted so
// round-trips preserve the original payload shape.
type InkPoint struct {
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Width   *float64 `json:"width,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

// The renderer reports stylus pressure as an intensity in [0.06, 1]; the
// wire format transmits a stroke width in [1, 3]. The remap in both
// directions is a bit-compatibility contract shared with the web client.
const (
	minInkIntensity = 0.06
	maxInkIntensity = 1.0
	minInkWidth     = 1.0
	maxInkWidth     = 3.0
)

// WidthFromIntensity converts a renderer intensity to the transmitted stroke
// width. Out-of-range intensities are clamped first. Rendering surface
// integrations call this when capturing stylus strokes for upload; the
// inverse direction is used when reporting stored strokes.
func WidthFromIntensity(intensity float64) float64 {
	return interpolate(intensity, minInkIntensity, maxInkIntensity, minInkWidth, maxInkWidth)
}

// IntensityFromWidth converts a transmitted stroke width back to a renderer
// intensity. Out-of-range widths are clamped first.
func IntensityFromWidth(width float64) float64 {
	return interpolate(width, minInkWidth, maxInkWidth, minInkIntensity, maxInkIntensity)
}

func interpolate(value, fromMin, fromMax, toMin, toMax float64) float64 {
	bounded := math.Max(fromMin, math.Min(value, fromMax))
	return (((toMax - toMin) / (fromMax - fromMin)) * (bounded - fromMin)) + toMin
}

// DefaultSimplifyEpsilon is the tolerance callers should use when they have
// no reason to pick another one.
const DefaultSimplifyEpsilon = 1.0

// Simplify reduces an ink gesture with the Ramer-Douglas-Peucker algorithm.
// The first and last points are always kept; interior points survive only if
// some point in their segment lies further than epsilon from the line joining
// the segment endpoints. Inputs with fewer than three points are returned
// unchanged.
func Simplify(points []InkPoint, epsilon float64) []InkPoint {
	if len(points) < 3 {
		return points
	}
	simplified := make([]InkPoint, 0, len(points))
	simplified = append(simplified, points[0])
	simplified = simplifySegment(points, simplified, epsilon)
	simplified = append(simplified, points[len(points)-1])
	return simplified
}

func simplifySegment(segment []InkPoint, simplified []InkPoint, epsilon float64) []InkPoint {
	if len(segment) < 3 {
		return simplified
	}
	first := segment[0]
	last := segment[len(segment)-1]
	maxDistance := 0.0
	maxIndex := 0
	for i := range segment {
		distance := perpendicularDistance(segment[i], first, last)
		if distance > maxDistance {
			maxDistance = distance
			maxIndex = i
		}
	}
	if maxDistance <= epsilon {
		return simplified
	}
	simplified = simplifySegment(segment[:maxIndex+1], simplified, epsilon)
	simplified = append(simplified, segment[maxIndex])
	return simplifySegment(segment[maxIndex:], simplified, epsilon)
}

// perpendicularDistance is the standard point-to-line distance using the
// segment endpoints as the line.
func perpendicularDistance(point, lineStart, lineEnd InkPoint) float64 {
	x1, y1 := lineStart.X, lineStart.Y
	x2, y2 := lineEnd.X, lineEnd.Y
	dx, dy := x2-x1, y2-y1
	return math.Abs(dy*point.X-dx*point.Y+x2*y1-y2*x1) / math.Sqrt(dx*dx+dy*dy)
}
