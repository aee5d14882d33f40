package geometry

import (
	"errors"
	"math"
	"testing"
)

func TestNewGridRejectsBadSpacing(t *testing.T) {
	testCases := []struct {
		name    string
		spacing [3]float64
	}{
		{"zero x spacing", [3]float64{0, 1, 1}},
		{"zero z spacing", [3]float64{1, 1, 0}},
		{"negative y spacing", [3]float64{1, -2.5, 1}},
		{"NaN spacing", [3]float64{1, math.NaN(), 1}},
		{"infinite spacing", [3]float64{math.Inf(1), 1, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGrid([3]int{4, 4, 4}, Point{}, tc.spacing, IdentityDirection())
			if err == nil {
				t.Fatalf("expected error for spacing %v, got nil", tc.spacing)
			}
			var gerr *GeometryError
			if !errors.As(err, &gerr) {
				t.Errorf("expected *GeometryError, got %T", err)
			}
		})
	}
}

func TestNewGridRejectsBadDimensions(t *testing.T) {
	testCases := []struct {
		name string
		dims [3]int
	}{
		{"zero width", [3]int{0, 4, 4}},
		{"negative depth", [3]int{4, 4, -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGrid(tc.dims, Point{}, [3]float64{1, 1, 1}, IdentityDirection())
			var gerr *GeometryError
			if !errors.As(err, &gerr) {
				t.Errorf("expected *GeometryError for dims %v, got %v", tc.dims, err)
			}
		})
	}
}

func TestNewGridRejectsSkewedDirection(t *testing.T) {
	skewed := [9]float64{
		1, 0.1, 0,
		0, 1, 0,
		0, 0, 1,
	}
	_, err := NewGrid([3]int{4, 4, 4}, Point{}, [3]float64{1, 1, 1}, skewed)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GeometryError for skewed direction, got %v", err)
	}
}

func TestNewGridAcceptsRotatedDirection(t *testing.T) {
	// 90 degree rotation about z keeps the matrix orthonormal.
	rot := [9]float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	}
	if _, err := NewGrid([3]int{4, 4, 4}, Point{}, [3]float64{1, 1, 1}, rot); err != nil {
		t.Fatalf("expected rotated direction to validate, got %v", err)
	}
}

func TestPhysicalPointIdentityDirection(t *testing.T) {
	g, err := NewGrid([3]int{10, 10, 10}, Point{X: -100, Y: -50, Z: 20}, [3]float64{2, 3, 4}, IdentityDirection())
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}

	testCases := []struct {
		i, j, k  int
		expected Point
	}{
		{0, 0, 0, Point{-100, -50, 20}},
		{1, 0, 0, Point{-98, -50, 20}},
		{0, 1, 0, Point{-100, -47, 20}},
		{0, 0, 1, Point{-100, -50, 24}},
		{9, 9, 9, Point{-82, -23, 56}},
	}

	for _, tc := range testCases {
		p := g.PhysicalPoint(tc.i, tc.j, tc.k)
		if p != tc.expected {
			t.Errorf("PhysicalPoint(%d,%d,%d): expected %v, got %v", tc.i, tc.j, tc.k, tc.expected, p)
		}
	}
}

func TestContinuousIndexRoundTrip(t *testing.T) {
	directions := map[string][9]float64{
		"identity": IdentityDirection(),
		"rotated": {
			0, -1, 0,
			1, 0, 0,
			0, 0, 1,
		},
	}

	for name, dir := range directions {
		t.Run(name, func(t *testing.T) {
			g, err := NewGrid([3]int{20, 15, 12}, Point{X: 5, Y: -7, Z: 3}, [3]float64{1.5, 2.25, 3.75}, dir)
			if err != nil {
				t.Fatalf("NewGrid failed: %v", err)
			}
			for _, idx := range [][3]float64{{0, 0, 0}, {1, 2, 3}, {10.5, 7.25, 11.75}} {
				p := g.PhysicalPointContinuous(idx[0], idx[1], idx[2])
				fx, fy, fz := g.ContinuousIndex(p)
				if math.Abs(fx-idx[0]) > 1e-9 || math.Abs(fy-idx[1]) > 1e-9 || math.Abs(fz-idx[2]) > 1e-9 {
					t.Errorf("round trip of %v: expected (%g,%g,%g), got (%g,%g,%g)",
						idx, idx[0], idx[1], idx[2], fx, fy, fz)
				}
			}
		})
	}
}

func TestDirectionFromOrientation(t *testing.T) {
	// Standard axial orientation maps to the identity matrix.
	d := DirectionFromOrientation([6]float64{1, 0, 0, 0, 1, 0})
	if d != IdentityDirection() {
		t.Errorf("expected identity direction for axial orientation, got %v", d)
	}

	// Flipped row direction produces a left-handed frame with -z third axis.
	d = DirectionFromOrientation([6]float64{-1, 0, 0, 0, 1, 0})
	expected := [9]float64{
		-1, 0, 0,
		0, 1, 0,
		0, 0, -1,
	}
	if d != expected {
		t.Errorf("expected %v, got %v", expected, d)
	}
}

func TestInvertDirectionSingular(t *testing.T) {
	singular := [9]float64{
		1, 0, 0,
		2, 0, 0,
		0, 0, 1,
	}
	if _, ok := InvertDirection(singular); ok {
		t.Error("expected singular direction to report ok=false")
	}
}

func TestGridApproxEqual(t *testing.T) {
	g1, _ := NewGrid([3]int{4, 4, 4}, Point{X: 1}, [3]float64{1, 1, 1}, IdentityDirection())
	g2, _ := NewGrid([3]int{4, 4, 4}, Point{X: 1 + 1e-7}, [3]float64{1, 1, 1}, IdentityDirection())
	g3, _ := NewGrid([3]int{4, 4, 5}, Point{X: 1}, [3]float64{1, 1, 1}, IdentityDirection())

	if !g1.ApproxEqual(g2, 1e-6) {
		t.Error("expected grids within tolerance to compare approximately equal")
	}
	if g1.ApproxEqual(g2, 1e-9) {
		t.Error("expected grids outside tolerance to compare unequal")
	}
	if g1.ApproxEqual(g3, 1e-3) {
		t.Error("expected grids with different dimensions to compare unequal")
	}
}

func TestPointArithmetic(t *testing.T) {
	p := Point{1, 2, 3}
	q := p.Add(Vector{10, -2, 0.5})
	expected := Point{11, 0, 3.5}
	if q != expected {
		t.Errorf("expected %v, got %v", expected, q)
	}
	v := q.Sub(p)
	if v != (Vector{10, -2, 0.5}) {
		t.Errorf("expected displacement (10,-2,0.5), got %v", v)
	}
}
