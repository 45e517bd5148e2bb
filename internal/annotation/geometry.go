package annotation

// Rect is an axis-aligned rectangle in PDF page space, stored as its minimum
// and maximum corners.
type Rect struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// IsZero reports whether the rectangle is the degenerate zero value used for
// malformed wire geometry.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float64 {
	return r.MaxX - r.MinX
}

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float64 {
	return r.MaxY - r.MinY
}

// boundsOf folds a list of [x, y] pairs into the axis-aligned rectangle
// enclosing them. Entries that are not coordinate pairs are skipped. The
// point order is deliberately insignificant: the wire format gives no corner
// ordering guarantee.
func boundsOf(points [][]float64) Rect {
	found := false
	bounds := Rect{}
	for _, point := range points {
		if len(point) != 2 {
			continue
		}
		x, y := point[0], point[1]
		if !found {
			bounds = Rect{MinX: x, MinY: y, MaxX: x, MaxY: y}
			found = true
			continue
		}
		bounds.MinX = min(bounds.MinX, x)
		bounds.MinY = min(bounds.MinY, y)
		bounds.MaxX = max(bounds.MaxX, x)
		bounds.MaxY = max(bounds.MaxY, y)
	}
	if !found {
		return Rect{}
	}
	return bounds
}

// rectFromWire resolves a wire "rect" entry: exactly two points, min corner
// then max corner. Anything else degrades to the zero rectangle.
func rectFromWire(points [][]float64) Rect {
	pairs := make([][]float64, 0, len(points))
	for _, point := range points {
		if len(point) == 2 {
			pairs = append(pairs, point)
		}
	}
	if len(pairs) != 2 {
		return Rect{}
	}
	return boundsOf(pairs)
}

// boxFromWire resolves one wire "coords" box: exactly four corner points,
// reduced to their bounding rectangle. Anything else degrades to the zero
// rectangle.
func boxFromWire(points [][]float64) Rect {
	pairs := make([][]float64, 0, len(points))
	for _, point := range points {
		if len(point) == 2 {
			pairs = append(pairs, point)
		}
	}
	if len(pairs) != 4 {
		return Rect{}
	}
	return boundsOf(pairs)
}

// rectToWire emits the fixed two-point wire form: min corner, max corner.
func rectToWire(r Rect) [][]float64 {
	return [][]float64{
		{r.MinX, r.MinY},
		{r.MaxX, r.MaxY},
	}
}

// boxToWire expands a bounding rectangle into the four explicit corners the
// wire format requires, in the fixed order top-left, top-right, bottom-left,
// bottom-right.
func boxToWire(r Rect) [][]float64 {
	return [][]float64{
		{r.MinX, r.MinY},
		{r.MaxX, r.MinY},
		{r.MinX, r.MaxY},
		{r.MaxX, r.MaxY},
	}
}
