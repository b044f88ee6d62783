// Package posesource defines the adapter interface through which the calibration engine
// samples timestamped poses from a tracking runtime, along with the origin/device model.
//
// A pose source is handed to the engine at construction; there is no ambient global
// connection state, so tests can feed synthetic streams through the same interface.
package posesource

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/origincal/origincal/spatialmath"
)

// ErrDeviceUnavailable is returned by SamplePose when a device momentarily cannot report
// a pose (occlusion, brief tracking loss). It is transient; callers retry. Repeated
// unavailability over a stall timeout is escalated by the correlator, not here.
var ErrDeviceUnavailable = errors.New("device unavailable")

// OriginID identifies a tracking origin within one runtime connection.
type OriginID uint32

// TrackingOrigin is an independent spatial coordinate system produced by one tracking
// technology, e.g. a headset's inside-out volume or a lighthouse-tracked volume.
type TrackingOrigin struct {
	ID     OriginID
	Name   string
	Offset spatialmath.Transform
}

// Device is a tracked physical device. A device belongs to exactly one tracking origin
// at the time of sampling.
type Device struct {
	Serial string
	Name   string
	Origin OriginID
}

// Key returns the strongly-typed identity of the device, guarding against source and
// destination serials being swapped somewhere along the way.
func (d Device) Key() DeviceKey {
	return DeviceKey{Serial: d.Serial, Origin: d.Origin}
}

// DeviceKey identifies a device by serial within its tracking origin.
type DeviceKey struct {
	Serial string
	Origin OriginID
}

// StampedPose is a pose tagged with its capture time on the sampling process's
// monotonic clock.
type StampedPose struct {
	spatialmath.Pose
	CapturedAt time.Time
}

// Source supplies timestamped poses for named devices within named tracking origins.
// Implementations wrap a live runtime connection or a synthetic stream.
type Source interface {
	// ListOrigins returns all tracking origins known to the runtime.
	ListOrigins(ctx context.Context) ([]TrackingOrigin, error)
	// ListDevices returns the positionally-tracked devices belonging to the origin.
	ListDevices(ctx context.Context, origin OriginID) ([]Device, error)
	// SamplePose returns the device's most recent pose. It returns
	// ErrDeviceUnavailable when the device is present but not currently tracking.
	SamplePose(ctx context.Context, device Device) (StampedPose, error)
	// Close releases the runtime connection.
	Close(ctx context.Context) error
}

// FindDevice searches all origins of the source for a device with the given serial.
func FindDevice(ctx context.Context, source Source, serial string) (Device, error) {
	origins, err := source.ListOrigins(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, origin := range origins {
		devices, err := source.ListDevices(ctx, origin.ID)
		if err != nil {
			return Device{}, err
		}
		for _, device := range devices {
			if device.Serial == serial {
				return device, nil
			}
		}
	}
	return Device{}, errors.Errorf("no such device: %s", serial)
}
