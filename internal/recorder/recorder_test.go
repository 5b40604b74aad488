package recorder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/msgs"
	"github.com/banshee-data/vio-bridge/internal/testutil"
	"github.com/banshee-data/vio-bridge/internal/timeutil"
)

func openTest(t *testing.T, opts Options) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "vio.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func odometry(ns uint64, x float64) msgs.Odometry {
	m := *msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)
	m.Header.Stamp.FromNSec(ns)
	m.Pose.Position = r3.Vector{X: x, Y: 1, Z: -1}
	m.Pose.Orientation = quat.Number{Real: 0.5, Imag: 0.5, Jmag: 0.5, Kmag: 0.5}
	m.Twist.Linear = r3.Vector{X: 0.25}
	m.Twist.Angular = r3.Vector{Z: -0.125}
	return m
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vio.db")
	r, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Reopening an up-to-date database is not an error.
	r, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestFlushAndRecent(t *testing.T) {
	r := openTest(t, Options{BatchSize: 100})
	ctx := context.Background()

	var want []Row
	for i := range 5 {
		row := RowFromOdometry("qvio", odometry(uint64(i+1)*1e9+7, float64(i)))
		want = append(want, row)
		require.NoError(t, r.Add(ctx, row))
	}
	require.NoError(t, r.Add(ctx, RowFromOdometry("ov", odometry(42, 9))))

	got, err := r.Recent(ctx, "qvio", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "rows visible before flush")

	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, uint64(6), r.Written())

	got, err = r.Recent(ctx, "qvio", 10)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	got, err = r.Recent(ctx, "qvio", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[3].StampNs, got[0].StampNs, "newest rows oldest first")
	assert.Equal(t, want[4].StampNs, got[1].StampNs)
}

func TestAdd_FlushesFullBatch(t *testing.T) {
	r := openTest(t, Options{BatchSize: 3})
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, r.Add(ctx, RowFromOdometry("qvio", odometry(uint64(i), 0))))
	}
	assert.Equal(t, uint64(3), r.Written())
}

func TestFlush_FailureKeepsRows(t *testing.T) {
	r := openTest(t, Options{BatchSize: 100})
	for i := range 5 {
		require.NoError(t, r.Add(context.Background(), RowFromOdometry("qvio", odometry(uint64(i+1), float64(i)))))
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Flush(cancelled), context.Canceled)
	assert.Zero(t, r.Written())

	// A row added after the failed flush stays behind the retained ones.
	require.NoError(t, r.Add(context.Background(), RowFromOdometry("qvio", odometry(6, 5))))
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, uint64(6), r.Written())

	rows, err := r.Recent(context.Background(), "qvio", 0)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row.StampNs)
	}
}

func TestAttachAdminRoutes_Tailsql(t *testing.T) {
	r := openTest(t, Options{})
	mux := http.NewServeMux()
	require.NoError(t, r.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/tailsql/", nil))
	assert.NotEqual(t, http.StatusNotFound, w.Code, "/debug/tailsql/ not registered")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tailsql/")
}

func TestWatch(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	r := openTest(t, Options{BatchSize: 1000, FlushInterval: time.Second, Clock: clock})

	b := bus.New()
	topic, err := bus.Advertise[msgs.Odometry](b, "/qvio/odometry", 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, b, "qvio", "/qvio/odometry") }()

	require.Eventually(t, func() bool { return topic.NumSubscribers() == 1 && clock.TickerCount() == 1 },
		time.Second, time.Millisecond)

	for i := range 4 {
		topic.Publish(odometry(uint64(i+1), float64(i)))
	}
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return r.Written() == 4
	}, 2*time.Second, 5*time.Millisecond)

	topic.Publish(odometry(5, 4))
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return uint64(len(r.pending))+r.written == 5
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, topic.NumSubscribers())

	rows, err := r.Recent(context.Background(), "qvio", 0)
	require.NoError(t, err)
	require.Len(t, rows, 5, "final flush on exit")
	assert.Equal(t, 4.0, rows[4].Position.X)
}

func TestWatch_TopicShutdown(t *testing.T) {
	r := openTest(t, Options{})
	b := bus.New()
	topic, err := bus.Advertise[msgs.Odometry](b, "/qvio/odometry", 4)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Watch(context.Background(), b, "qvio", "/qvio/odometry") }()
	require.Eventually(t, func() bool { return topic.NumSubscribers() == 1 }, time.Second, time.Millisecond)

	topic.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after topic shutdown")
	}
}

func TestWatch_UnknownTopic(t *testing.T) {
	r := openTest(t, Options{})
	err := r.Watch(context.Background(), bus.New(), "qvio", "/qvio/odometry")
	assert.ErrorContains(t, err, "/qvio/odometry")
}
