// Package fake implements a pose source fed by programmable trajectories, for tests and
// offline demos.
package fake

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/spatialmath"
)

// PoseFunc produces a device pose for a given sample time. Returning
// posesource.ErrDeviceUnavailable simulates momentary tracking loss.
type PoseFunc func(ctx context.Context) (spatialmath.Pose, error)

// Source is a posesource.Source whose origins and devices are assembled by hand.
type Source struct {
	mu      sync.Mutex
	clock   clock.Clock
	origins []posesource.TrackingOrigin
	devices map[posesource.OriginID][]posesource.Device
	poses   map[string]PoseFunc
	samples map[string]int
	closed  bool
}

// NewSource returns an empty fake source sampling timestamps from the given clock.
func NewSource(clk clock.Clock) *Source {
	return &Source{
		clock:   clk,
		devices: map[posesource.OriginID][]posesource.Device{},
		poses:   map[string]PoseFunc{},
		samples: map[string]int{},
	}
}

// AddOrigin registers a tracking origin and returns its id.
func (s *Source) AddOrigin(name string) posesource.OriginID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := posesource.OriginID(len(s.origins))
	s.origins = append(s.origins, posesource.TrackingOrigin{
		ID:     id,
		Name:   name,
		Offset: spatialmath.NewZeroTransform(),
	})
	return id
}

// AddDevice registers a device under an origin with the trajectory that produces its poses.
func (s *Source) AddDevice(origin posesource.OriginID, serial string, pose PoseFunc) posesource.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	device := posesource.Device{Serial: serial, Name: serial, Origin: origin}
	s.devices[origin] = append(s.devices[origin], device)
	s.poses[serial] = pose
	return device
}

// SampleCount returns how many times the device has been sampled.
func (s *Source) SampleCount(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[serial]
}

// ListOrigins implements posesource.Source.
func (s *Source) ListOrigins(ctx context.Context) ([]posesource.TrackingOrigin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]posesource.TrackingOrigin, len(s.origins))
	copy(out, s.origins)
	return out, nil
}

// ListDevices implements posesource.Source.
func (s *Source) ListDevices(ctx context.Context, origin posesource.OriginID) ([]posesource.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]posesource.Device, len(s.devices[origin]))
	copy(out, s.devices[origin])
	return out, nil
}

// SamplePose implements posesource.Source.
func (s *Source) SamplePose(ctx context.Context, device posesource.Device) (posesource.StampedPose, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return posesource.StampedPose{}, errors.New("fake source closed")
	}
	pose, ok := s.poses[device.Serial]
	s.samples[device.Serial]++
	now := s.clock.Now()
	s.mu.Unlock()

	if !ok {
		return posesource.StampedPose{}, errors.Errorf("no such device: %s", device.Serial)
	}
	p, err := pose(ctx)
	if err != nil {
		return posesource.StampedPose{}, err
	}
	return posesource.StampedPose{Pose: p, CapturedAt: now}, nil
}

// Close implements posesource.Source.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StaticPose returns a PoseFunc that always reports the same pose.
func StaticPose(p spatialmath.Pose) PoseFunc {
	return func(context.Context) (spatialmath.Pose, error) { return p, nil }
}
