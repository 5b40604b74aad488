package vio

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/vio-bridge/internal/msgs"
)

// MapRecord writes one record into the reusable pose and odometry messages.
// The odometry pose is copied from the pose just computed.
func MapRecord(r *Record, pose *msgs.PoseStamped, odom *msgs.Odometry) {
	pose.Header.Stamp.FromNSec(r.TimestampNs)
	odom.Header.Stamp.FromNSec(r.TimestampNs)

	pose.Pose.Orientation = RotationToQuaternion(r.RImuToVio)
	pose.Pose.Position = r.TImuWrtVio

	odom.Pose = pose.Pose
	odom.Twist.Linear = r.VelImuWrtVio
	odom.Twist.Angular = r.ImuAngularVel
}

// RotationToQuaternion converts a row-major 3×3 rotation matrix to a unit
// quaternion. The branch is picked from the trace and the largest diagonal
// element so the divisor never approaches zero. The result has w >= 0.
func RotationToQuaternion(m [9]float64) quat.Number {
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[3], m[4], m[5]
	r20, r21, r22 := m[6], m[7], m[8]

	var q quat.Number
	tr := r00 + r11 + r22
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: 0.25 * s,
			Imag: (r21 - r12) / s,
			Jmag: (r02 - r20) / s,
			Kmag: (r10 - r01) / s,
		}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = quat.Number{
			Real: (r21 - r12) / s,
			Imag: 0.25 * s,
			Jmag: (r01 + r10) / s,
			Kmag: (r02 + r20) / s,
		}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = quat.Number{
			Real: (r02 - r20) / s,
			Imag: (r01 + r10) / s,
			Jmag: 0.25 * s,
			Kmag: (r12 + r21) / s,
		}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = quat.Number{
			Real: (r10 - r01) / s,
			Imag: (r02 + r20) / s,
			Jmag: (r12 + r21) / s,
			Kmag: 0.25 * s,
		}
	}

	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// QuaternionToRotation returns the row-major rotation matrix of a unit quaternion.
func QuaternionToRotation(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}
