// Package wsource implements a pose source backed by a runtime bridge that streams
// origin/device state as JSON over a websocket.
//
// The bridge pushes full snapshots at its own rate; this client keeps the most recent
// snapshot and answers queries from it. Capture timestamps come from the bridge's
// monotonic clock, which both tracking origins share, so cross-stream correlation
// gaps are meaningful.
package wsource

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/spatialmath"
)

// dial and read deadlines; a bridge that stays silent longer than readWait is
// treated as gone and the reader exits.
const (
	dialTimeout = 5 * time.Second
	readWait    = 10 * time.Second
)

type snapshot struct {
	Origins []originMsg        `json:"origins"`
	Devices []deviceMsg        `json:"devices"`
	Poses   map[string]poseMsg `json:"poses"`
}

type originMsg struct {
	ID     uint32     `json:"id"`
	Name   string     `json:"name"`
	Offset poseFields `json:"offset"`
}

type deviceMsg struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Origin uint32 `json:"origin"`
}

type poseMsg struct {
	poseFields
	CapturedAtNanos int64 `json:"captured_at_ns"`
	Tracking        bool  `json:"tracking"`
}

type poseFields struct {
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"` // w, x, y, z
}

func (f poseFields) pose() spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: f.Position[0], Y: f.Position[1], Z: f.Position[2]},
		quat.Number{
			Real: f.Orientation[0],
			Imag: f.Orientation[1],
			Jmag: f.Orientation[2],
			Kmag: f.Orientation[3],
		},
	)
}

// Source is a posesource.Source reading from a websocket runtime bridge.
type Source struct {
	conn   *websocket.Conn
	logger logging.Logger

	mu      sync.RWMutex
	latest  *snapshot
	readErr error

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// Dial connects to a runtime bridge at the given websocket URL and starts consuming
// its snapshot stream.
func Dial(ctx context.Context, addr string, logger logging.Logger) (*Source, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "runtime bridge unreachable at %s", addr)
	}

	readerCtx, readerCancel := context.WithCancel(context.Background())
	s := &Source{conn: conn, logger: logger, cancel: readerCancel}
	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		s.readLoop(readerCtx)
	}, s.activeBackgroundWorkers.Done)
	return s, nil
}

func (s *Source) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			s.setReadErr(err)
			return
		}
		var snap snapshot
		if err := s.conn.ReadJSON(&snap); err != nil {
			if ctx.Err() == nil {
				s.logger.Warnw("runtime bridge read failed", "error", err)
				s.setReadErr(err)
			}
			return
		}
		s.mu.Lock()
		s.latest = &snap
		s.mu.Unlock()
	}
}

func (s *Source) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *Source) current() (*snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		if s.readErr != nil {
			return nil, errors.Wrap(s.readErr, "runtime bridge stream failed")
		}
		return nil, errors.New("no snapshot from runtime bridge yet")
	}
	return s.latest, nil
}

// ListOrigins implements posesource.Source.
func (s *Source) ListOrigins(ctx context.Context) ([]posesource.TrackingOrigin, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	origins := make([]posesource.TrackingOrigin, 0, len(snap.Origins))
	for _, o := range snap.Origins {
		offset := o.Offset.pose()
		origins = append(origins, posesource.TrackingOrigin{
			ID:     posesource.OriginID(o.ID),
			Name:   o.Name,
			Offset: spatialmath.NewTransform(offset.Orientation, offset.Position),
		})
	}
	return origins, nil
}

// ListDevices implements posesource.Source.
func (s *Source) ListDevices(ctx context.Context, origin posesource.OriginID) ([]posesource.Device, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	var devices []posesource.Device
	for _, d := range snap.Devices {
		if posesource.OriginID(d.Origin) != origin {
			continue
		}
		devices = append(devices, posesource.Device{
			Serial: d.Serial,
			Name:   d.Name,
			Origin: origin,
		})
	}
	return devices, nil
}

// SamplePose implements posesource.Source. A device missing from the latest snapshot,
// or present but not tracking, reports posesource.ErrDeviceUnavailable.
func (s *Source) SamplePose(ctx context.Context, device posesource.Device) (posesource.StampedPose, error) {
	snap, err := s.current()
	if err != nil {
		return posesource.StampedPose{}, err
	}
	msg, ok := snap.Poses[device.Serial]
	if !ok || !msg.Tracking {
		return posesource.StampedPose{}, errors.Wrapf(posesource.ErrDeviceUnavailable, "device %s", device.Serial)
	}
	pose := msg.pose()
	if !pose.IsFinite() {
		return posesource.StampedPose{}, errors.Wrapf(posesource.ErrDeviceUnavailable, "device %s reported non-finite pose", device.Serial)
	}
	return posesource.StampedPose{
		Pose:       pose,
		CapturedAt: time.Unix(0, msg.CapturedAtNanos),
	}, nil
}

// Close implements posesource.Source.
func (s *Source) Close(ctx context.Context) error {
	s.cancel()
	err := s.conn.Close()
	s.activeBackgroundWorkers.Wait()
	return err
}
