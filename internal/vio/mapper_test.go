package vio

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/vio-bridge/internal/msgs"
)

func TestMapRecord_IdentityRotation(t *testing.T) {
	r := NewRecord()
	r.TimestampNs = 1000
	r.TImuWrtVio = r3.Vector{X: 1, Y: 2, Z: 3}

	pose := msgs.NewPoseStamped(msgs.FrameMap)
	odom := msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)
	MapRecord(&r, pose, odom)

	q := pose.Pose.Orientation
	assert.Equal(t, [4]float64{0, 0, 0, 1}, [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}, "x,y,z,w")
	assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 3}, pose.Pose.Position)
	assert.Equal(t, uint64(1000), pose.Header.Stamp.NSec())
	assert.Equal(t, uint64(1000), odom.Header.Stamp.NSec())
	assert.Equal(t, "map", pose.Header.FrameID)
}

func TestMapRecord_OdometryFidelity(t *testing.T) {
	r := NewRecord()
	r.TimestampNs = 5_000_000_123
	r.RImuToVio = QuaternionToRotation(unit(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.3, Kmag: 0.2}))
	r.TImuWrtVio = r3.Vector{X: -4, Y: 0.5, Z: 12}
	r.VelImuWrtVio = r3.Vector{X: 0.25, Y: -1, Z: 0.125}
	r.ImuAngularVel = r3.Vector{X: 0.3, Y: 0.2, Z: -0.1}

	pose := msgs.NewPoseStamped(msgs.FrameMap)
	odom := msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)
	MapRecord(&r, pose, odom)

	if diff := cmp.Diff(pose.Pose, odom.Pose); diff != "" {
		t.Errorf("odometry pose differs from pose message (-pose +odom):\n%s", diff)
	}
	assert.Equal(t, pose.Header.Stamp, odom.Header.Stamp)
	assert.Equal(t, r.VelImuWrtVio, odom.Twist.Linear)
	assert.Equal(t, r.ImuAngularVel, odom.Twist.Angular)
}

func TestMapRecord_OverwritesPreviousRecord(t *testing.T) {
	pose := msgs.NewPoseStamped(msgs.FrameMap)
	odom := msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)

	first := NewRecord()
	first.TimestampNs = 1
	first.VelImuWrtVio = r3.Vector{X: 9}
	MapRecord(&first, pose, odom)

	second := NewRecord()
	second.TimestampNs = 2
	MapRecord(&second, pose, odom)

	assert.Equal(t, uint64(2), odom.Header.Stamp.NSec())
	assert.Equal(t, r3.Vector{}, odom.Twist.Linear)
}

func TestRotationToQuaternion_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		q := unit(quat.Number{
			Real: rng.NormFloat64(),
			Imag: rng.NormFloat64(),
			Jmag: rng.NormFloat64(),
			Kmag: rng.NormFloat64(),
		})
		m := QuaternionToRotation(q)

		got := RotationToQuaternion(m)
		assert.InDelta(t, 1.0, quat.Abs(got), 1e-9)
		assertMatrixNear(t, m, QuaternionToRotation(got), 1e-6)
	}
}

func TestRotationToQuaternion_Branches(t *testing.T) {
	tests := []struct {
		name string
		m    [9]float64
		want quat.Number
	}{
		{"identity (trace branch)", [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, quat.Number{Real: 1}},
		{"180 about x", [9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1}, quat.Number{Imag: 1}},
		{"180 about y", [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, -1}, quat.Number{Jmag: 1}},
		{"180 about z", [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}, quat.Number{Kmag: 1}},
		{"90 about z", [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}, quat.Number{Real: math.Sqrt2 / 2, Kmag: math.Sqrt2 / 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RotationToQuaternion(tt.m)
			assert.InDelta(t, tt.want.Real, got.Real, 1e-12)
			assert.InDelta(t, tt.want.Imag, got.Imag, 1e-12)
			assert.InDelta(t, tt.want.Jmag, got.Jmag, 1e-12)
			assert.InDelta(t, tt.want.Kmag, got.Kmag, 1e-12)
			assertMatrixNear(t, tt.m, QuaternionToRotation(got), 1e-6)
		})
	}
}

func TestRotationToQuaternion_NearPiRotations(t *testing.T) {
	// Rotations just short of 180 degrees leave the trace near -1, where the
	// trace branch alone would divide by a value close to zero.
	for _, axis := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}} {
		axis = axis.Normalize()
		angle := math.Pi - 1e-7
		s := math.Sin(angle / 2)
		q := quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
		m := QuaternionToRotation(q)

		got := RotationToQuaternion(m)
		require.False(t, math.IsNaN(got.Real))
		assertMatrixNear(t, m, QuaternionToRotation(got), 1e-6)
	}
}

func TestMapRecord_DoesNotAllocate(t *testing.T) {
	r := NewRecord()
	r.TimestampNs = 42
	pose := msgs.NewPoseStamped(msgs.FrameMap)
	odom := msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)

	allocs := testing.AllocsPerRun(100, func() {
		MapRecord(&r, pose, odom)
	})
	assert.Zero(t, allocs)
}

func unit(q quat.Number) quat.Number {
	return quat.Scale(1/quat.Abs(q), q)
}

func assertMatrixNear(t *testing.T, want, got [9]float64, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d", i)
	}
}
