package wsource

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
)

// newBridge serves one snapshot per connected client and keeps the connection open.
func newBridge(t *testing.T, snap snapshot) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testSnapshot() snapshot {
	return snapshot{
		Origins: []originMsg{
			{ID: 0, Name: "inside-out", Offset: poseFields{
				Orientation: [4]float64{1, 0, 0, 0},
			}},
			{ID: 1, Name: "lighthouse", Offset: poseFields{
				Position:    [3]float64{0.5, 0, 0},
				Orientation: [4]float64{1, 0, 0, 0},
			}},
		},
		Devices: []deviceMsg{
			{Serial: "HMD-0001", Name: "Headset", Origin: 0},
			{Serial: "TRACKER-0001", Name: "Tracker", Origin: 1},
			{Serial: "TRACKER-0002", Name: "Idle Tracker", Origin: 1},
		},
		Poses: map[string]poseMsg{
			"HMD-0001": {
				poseFields: poseFields{
					Position:    [3]float64{1, 1.6, -0.5},
					Orientation: [4]float64{1, 0, 0, 0},
				},
				CapturedAtNanos: 12_345_000_000,
				Tracking:        true,
			},
			"TRACKER-0001": {
				poseFields: poseFields{
					Position:    [3]float64{0, 0.1, 0},
					Orientation: [4]float64{0, 0, 1, 0},
				},
				CapturedAtNanos: 12_345_000_000,
				Tracking:        false,
			},
		},
	}
}

func dialAndWait(t *testing.T, addr string) *Source {
	t.Helper()
	source, err := Dial(context.Background(), addr, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { source.Close(context.Background()) })

	// The first snapshot arrives asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := source.ListOrigins(context.Background()); err == nil {
			return source
		}
		if time.Now().After(deadline) {
			t.Fatal("no snapshot from test bridge")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/state", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestListOriginsAndDevices(t *testing.T) {
	source := dialAndWait(t, newBridge(t, testSnapshot()))

	origins, err := source.ListOrigins(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(origins), test.ShouldEqual, 2)
	test.That(t, origins[0].Name, test.ShouldEqual, "inside-out")
	test.That(t, origins[1].Offset.Translation.X, test.ShouldAlmostEqual, 0.5)

	devices, err := source.ListDevices(context.Background(), posesource.OriginID(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(devices), test.ShouldEqual, 2)
	test.That(t, devices[0].Serial, test.ShouldEqual, "TRACKER-0001")
	test.That(t, devices[0].Origin, test.ShouldEqual, posesource.OriginID(1))
}

func TestSamplePose(t *testing.T) {
	source := dialAndWait(t, newBridge(t, testSnapshot()))

	pose, err := source.SamplePose(context.Background(), posesource.Device{Serial: "HMD-0001"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Position.Y, test.ShouldAlmostEqual, 1.6)
	test.That(t, pose.CapturedAt.UnixNano(), test.ShouldEqual, int64(12_345_000_000))

	// Present but not tracking.
	_, err = source.SamplePose(context.Background(), posesource.Device{Serial: "TRACKER-0001"})
	test.That(t, errors.Is(err, posesource.ErrDeviceUnavailable), test.ShouldBeTrue)

	// In the device list but absent from the pose map.
	_, err = source.SamplePose(context.Background(), posesource.Device{Serial: "TRACKER-0002"})
	test.That(t, errors.Is(err, posesource.ErrDeviceUnavailable), test.ShouldBeTrue)
}

func TestSamplePoseNonFinite(t *testing.T) {
	snap := testSnapshot()
	bad := snap.Poses["HMD-0001"]
	bad.Position[2] = math.NaN()
	snap.Poses["HMD-0001"] = bad
	source := dialAndWait(t, newBridge(t, snap))

	_, err := source.SamplePose(context.Background(), posesource.Device{Serial: "HMD-0001"})
	test.That(t, errors.Is(err, posesource.ErrDeviceUnavailable), test.ShouldBeTrue)
}
