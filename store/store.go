// Package store persists accepted calibrations so a later run can reuse them without
// refitting.
package store

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/origincal/origincal/spatialmath"
)

// ErrNotFound is returned by Load when no calibration exists for the device pair.
// Callers must treat this as a miss, never as a zero transform.
var ErrNotFound = errors.New("calibration not found")

// ErrInvalidRecord is returned by Load when a calibration exists but its contents
// cannot be used as a transform.
var ErrInvalidRecord = errors.New("stored calibration invalid")

// Record is the unit of persistence: the accepted transform keyed by the source and
// destination device serials, with its creation time. Rotation is stored as
// [w, x, y, z], translation as [x, y, z] meters; both round-trip exactly.
type Record struct {
	SourceSerial string     `json:"source_serial"`
	DestSerial   string     `json:"dest_serial"`
	Rotation     [4]float64 `json:"rotation"`
	Translation  [3]float64 `json:"translation"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewRecord builds a record from an accepted transform.
func NewRecord(sourceSerial, destSerial string, t spatialmath.Transform, createdAt time.Time) Record {
	return Record{
		SourceSerial: sourceSerial,
		DestSerial:   destSerial,
		Rotation:     [4]float64{t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag},
		Translation:  [3]float64{t.Translation.X, t.Translation.Y, t.Translation.Z},
		CreatedAt:    createdAt,
	}
}

// Validate checks that the record decodes to a usable transform: finite values and a
// near-unit rotation. A truncated or hand-edited file fails here rather than letting a
// zero rotation normalize to NaN inside the engine.
func (r Record) Validate() error {
	rotation := quat.Number{Real: r.Rotation[0], Imag: r.Rotation[1], Jmag: r.Rotation[2], Kmag: r.Rotation[3]}
	norm := spatialmath.Norm(rotation)
	if math.IsNaN(norm) || math.IsInf(norm, 0) || math.Abs(norm-1) > 1e-3 {
		return errors.Wrapf(ErrInvalidRecord, "rotation norm %v", norm)
	}
	for _, v := range r.Translation {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrap(ErrInvalidRecord, "non-finite translation")
		}
	}
	return nil
}

// Transform reconstructs the stored transform. Call Validate first on records read
// from disk.
func (r Record) Transform() spatialmath.Transform {
	return spatialmath.NewTransform(
		quat.Number{Real: r.Rotation[0], Imag: r.Rotation[1], Jmag: r.Rotation[2], Kmag: r.Rotation[3]},
		r3.Vector{X: r.Translation[0], Y: r.Translation[1], Z: r.Translation[2]},
	)
}

// Store loads and saves calibration records keyed by (source serial, dest serial).
// Implementations need not support concurrent sessions on the same key; callers
// serialize sessions per device pair.
type Store interface {
	Load(sourceSerial, destSerial string) (Record, error)
	Save(record Record) error
}
