// Package verify scores a proof bundle against its task's requirements.
// Run is pure: the same input and hash set always give the same Result.
package verify

import (
	"fmt"
	"math"
	"time"

	"fieldproof/internal/domain"
)

// Check names, in the order they are evaluated.
const (
	CheckArtefactCount = "artefact_count"
	CheckTimeWindow    = "time_window"
	CheckLocation      = "location_verification"
	CheckBearing       = "bearing"
	CheckDuplicate     = "duplicate_detection"
	CheckDimensions    = "dimensions"
	CheckFreshness     = "freshness"
)

const (
	EarthRadiusM          = 6371000.0
	DefaultBearingTolDeg  = 45.0
	defaultRequiredPhotos = 1
)

// Input is everything a verification run may look at.
type Input struct {
	Location     domain.GeoPoint
	RadiusM      float64
	TimeStart    time.Time
	TimeEnd      time.Time
	Requirements domain.Requirements
	Artefacts    []domain.Artefact
	Now          time.Time
}

// InputFor builds an Input from a task and the ordered artefacts of a submission.
func InputFor(t domain.Task, artefacts []domain.Artefact, now time.Time) Input {
	return Input{
		Location:     t.Location,
		RadiusM:      t.RadiusM,
		TimeStart:    t.TimeStart,
		TimeEnd:      t.TimeEnd,
		Requirements: t.Requirements,
		Artefacts:    artefacts,
		Now:          now,
	}
}

// HashSet holds content hashes already seen in other submissions.
type HashSet map[string]struct{}

func (h HashSet) Has(hash string) bool {
	_, ok := h[hash]
	return ok
}

type Result = domain.VerificationResult

type run struct {
	passed []string
	failed []string
	flags  []string
	seen   map[string]bool
}

func (r *run) record(check string, ok bool) {
	if ok {
		r.passed = append(r.passed, check)
	} else {
		r.failed = append(r.failed, check)
	}
}

func (r *run) flag(f string) {
	if r.seen[f] {
		return
	}
	r.seen[f] = true
	r.flags = append(r.flags, f)
}

// Run evaluates every applicable check.
func Run(in Input, others HashSet) Result {
	r := &run{passed: []string{}, failed: []string{}, flags: []string{}, seen: map[string]bool{}}
	req := in.Requirements

	want := req.Photos.Count
	if want <= 0 {
		want = defaultRequiredPhotos
	}
	r.record(CheckArtefactCount, len(in.Artefacts) >= want)

	inWindow := !in.Now.Before(in.TimeStart) && !in.Now.After(in.TimeEnd)
	if !inWindow {
		r.flag("outside_time_window")
	}
	r.record(CheckTimeWindow, inWindow)

	geoOK := true
	for _, a := range in.Artefacts {
		if a.Location == nil {
			r.flag("no_gps")
			continue
		}
		if Haversine(in.Location, *a.Location) > in.RadiusM {
			geoOK = false
			r.flag(fmt.Sprintf("artefact_%s_outside_radius", a.ID))
		}
	}
	r.record(CheckLocation, geoOK)

	if req.Bearing.Required {
		tol := req.Bearing.Tolerance
		if tol <= 0 {
			tol = DefaultBearingTolDeg
		}
		bearingOK := true
		for _, a := range in.Artefacts {
			if a.Bearing == nil {
				r.flag("no_bearing")
				continue
			}
			if !BearingWithin(*a.Bearing, req.Bearing.Target, tol) {
				bearingOK = false
				r.flag(fmt.Sprintf("artefact_%s_bearing_mismatch", a.ID))
			}
		}
		r.record(CheckBearing, bearingOK)
	}

	dupOK := true
	for _, a := range in.Artefacts {
		if others.Has(a.ContentHash) {
			dupOK = false
			r.flag("duplicate_hash_" + prefix(a.ContentHash, 8))
		}
	}
	r.record(CheckDuplicate, dupOK)

	if req.MinWidthPx > 0 || req.MinHeightPx > 0 {
		dimOK := true
		for _, a := range in.Artefacts {
			if a.Width() < req.MinWidthPx || a.Height() < req.MinHeightPx {
				dimOK = false
				r.flag(fmt.Sprintf("artefact_%s_below_min_dimensions", a.ID))
			}
		}
		r.record(CheckDimensions, dimOK)
	}

	if req.FreshnessMinutes > 0 {
		maxAge := time.Duration(req.FreshnessMinutes) * time.Minute
		freshOK := true
		for _, a := range in.Artefacts {
			if a.CapturedAt == nil {
				r.flag("no_capture_time")
				continue
			}
			if in.Now.Sub(*a.CapturedAt) > maxAge {
				freshOK = false
				r.flag(fmt.Sprintf("artefact_%s_stale", a.ID))
			}
		}
		r.record(CheckFreshness, freshOK)
	}

	return Result{
		Passed:     r.passed,
		Failed:     r.failed,
		Flags:      r.flags,
		Score:      Score(len(r.passed), len(r.failed)),
		VerifiedAt: in.Now.UTC(),
	}
}

// Score is round(100*passed/(passed+failed)) in integer arithmetic, rounding
// halves up. No checks gives 0.
func Score(passed, failed int) int {
	total := passed + failed
	if total == 0 {
		return 0
	}
	return (200*passed + total) / (2 * total)
}

// Haversine returns the great-circle distance in metres.
func Haversine(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// NormalizeBearing maps any angle into [0, 360).
func NormalizeBearing(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// BearingWithin reports whether actual is within tol degrees of target,
// going either way round the circle.
func BearingWithin(actual, target, tol float64) bool {
	diff := math.Abs(NormalizeBearing(actual) - NormalizeBearing(target))
	return diff <= tol || 360-diff <= tol
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
