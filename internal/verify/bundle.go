package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"fieldproof/internal/domain"
)

type manifestEntry struct {
	Position       int        `json:"position"`
	Kind           string     `json:"kind"`
	StorageKey     string     `json:"storage_key"`
	ContentHash    string     `json:"content_hash"`
	DeclaredWidth  int        `json:"declared_width"`
	DeclaredHeight int        `json:"declared_height"`
	MeasuredWidth  *int       `json:"measured_width,omitempty"`
	MeasuredHeight *int       `json:"measured_height,omitempty"`
	Location       *geo       `json:"location,omitempty"`
	Bearing        *float64   `json:"bearing,omitempty"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
}

type geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BundleHash is the hex sha256 of the RFC 8785 canonical form of the ordered
// artefact manifest. Artefact ids and upload times are left out so the hash
// only depends on what was captured.
func BundleHash(artefacts []domain.Artefact) (string, error) {
	manifest := make([]manifestEntry, 0, len(artefacts))
	for _, a := range artefacts {
		e := manifestEntry{
			Position:       a.Position,
			Kind:           a.Kind,
			StorageKey:     a.StorageKey,
			ContentHash:    a.ContentHash,
			DeclaredWidth:  a.DeclaredWidth,
			DeclaredHeight: a.DeclaredHeight,
			MeasuredWidth:  a.MeasuredWidth,
			MeasuredHeight: a.MeasuredHeight,
			Bearing:        a.Bearing,
		}
		if a.Location != nil {
			e.Location = &geo{Lat: a.Location.Lat, Lon: a.Location.Lon}
		}
		if a.CapturedAt != nil {
			t := a.CapturedAt.UTC()
			e.CapturedAt = &t
		}
		manifest = append(manifest, e)
	}
	raw, err := json.Marshal(map[string]any{"artefacts": manifest})
	if err != nil {
		return "", fmt.Errorf("marshal bundle manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
