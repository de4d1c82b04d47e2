// Package track implements closed-polyline circuit geometry: local
// equirectangular projection, arclength parameterization, and
// nearest-segment projection with a locality hint.
package track

import (
	"encoding/json"
	"math"
	"os"

	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

const (
	metersPerDegLat = 111132.92
	metersPerDegLon = 111412.84
)

// Point is a track vertex in WGS84 degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type fileFormat struct {
	Points []Point `json:"points"`
}

type xy struct{ x, y float64 }

// Geometry is a closed polyline with precomputed per-segment length and
// cumulative arclength, projected into a local planar frame.
type Geometry struct {
	Points    []Point
	planar    []xy
	segLen    []float64
	cumLen    []float64
	TotalLenM float64
	mLon      float64 // cached equirectangular longitude scale, see lonScale
}

// Load reads a track file (`{"points":[{"lat":...,"lon":...}, ...]}`) and
// builds its geometry. At least 4 points are required.
func Load(path string) (*Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, telemetryerrors.Wrap("track.load", telemetryerrors.KindConfigError, err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, telemetryerrors.Wrap("track.load", telemetryerrors.KindConfigError, err)
	}
	return New(f.Points)
}

// New builds a closed-polyline geometry from points, appending the first
// point as the last one if the caller didn't already close the loop.
func New(points []Point) (*Geometry, error) {
	if len(points) < 4 {
		return nil, telemetryerrors.New("track.new", telemetryerrors.KindConfigError,
			"track requires at least 4 points")
	}

	pts := make([]Point, len(points))
	copy(pts, points)
	first, last := pts[0], pts[len(pts)-1]
	if first.Lat != last.Lat || first.Lon != last.Lon {
		pts = append(pts, first)
	}

	var sumLat float64
	for _, p := range pts {
		sumLat += p.Lat
	}
	meanLat := sumLat / float64(len(pts))
	mLon := metersPerDegLon * math.Cos(meanLat*math.Pi/180)

	planar := make([]xy, len(pts))
	for i, p := range pts {
		planar[i] = xy{x: p.Lon * mLon, y: p.Lat * metersPerDegLat}
	}

	segLen := make([]float64, len(pts)-1)
	cumLen := make([]float64, len(pts)-1)
	var total float64
	for i := 0; i < len(pts)-1; i++ {
		d := dist(planar[i], planar[i+1])
		segLen[i] = d
		cumLen[i] = total
		total += d
	}

	return &Geometry{
		Points:    pts,
		planar:    planar,
		segLen:    segLen,
		cumLen:    cumLen,
		TotalLenM: total,
		mLon:      mLon,
	}, nil
}

func dist(a, b xy) float64 {
	dx := b.x - a.x
	dy := b.y - a.y
	return math.Sqrt(dx*dx + dy*dy)
}

// PointAtS returns the lat/lon at arclength s, wrapped modulo TotalLenM.
func (g *Geometry) PointAtS(s float64) Point {
	s = math.Mod(s, g.TotalLenM)
	if s < 0 {
		s += g.TotalLenM
	}

	idx := g.segmentAt(s)
	segStart := g.cumLen[idx]
	segEnd := segStart + g.segLen[idx]
	var t float64
	if segEnd > segStart {
		t = (s - segStart) / (segEnd - segStart)
	}

	a, b := g.Points[idx], g.Points[idx+1]
	return Point{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lon: a.Lon + t*(b.Lon-a.Lon),
	}
}

func (g *Geometry) segmentAt(s float64) int {
	for i := len(g.cumLen) - 1; i >= 0; i-- {
		if s >= g.cumLen[i] {
			return i
		}
	}
	return 0
}

// Project finds the nearest point on the polyline to (lat,lon), searching
// segments within hintIdx±8 (wrapped) for locality. Returns the arclength,
// the matched segment index, and the projection error in meters.
func (g *Geometry) Project(lat, lon float64, hintIdx int) (s float64, segIdx int, errM float64) {
	n := len(g.segLen)
	p := xy{x: lon * g.lonScale(), y: lat * metersPerDegLat}

	bestDist2 := math.Inf(1)
	bestIdx := 0
	bestT := 0.0

	for off := -8; off <= 8; off++ {
		i := ((hintIdx+off)%n + n) % n
		a, b := g.planar[i], g.planar[i+1]
		t := paramT(p, a, b)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		foot := xy{x: a.x + t*(b.x-a.x), y: a.y + t*(b.y-a.y)}
		d2 := sq(foot.x-p.x) + sq(foot.y-p.y)
		if d2 < bestDist2 {
			bestDist2 = d2
			bestIdx = i
			bestT = t
		}
	}

	s = g.cumLen[bestIdx] + bestT*g.segLen[bestIdx]
	return s, bestIdx, math.Sqrt(bestDist2)
}

// lonScale returns the mean-latitude longitude scale computed once at
// construction (New), so Project stays O(1) per fix regardless of track
// size instead of rescanning every point on each call.
func (g *Geometry) lonScale() float64 {
	return g.mLon
}

func paramT(p, a, b xy) float64 {
	abx, aby := b.x-a.x, b.y-a.y
	denom := abx*abx + aby*aby
	if denom == 0 {
		return 0
	}
	return ((p.x-a.x)*abx + (p.y-a.y)*aby) / denom
}

func sq(v float64) float64 { return v * v }
