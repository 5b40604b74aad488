// Package msgs defines the structured messages the bridge publishes on the
// bus. The shapes follow the usual robotics conventions: a stamped pose and
// a full odometry estimate with twist.
package msgs

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// FrameMap is the fixed reference frame used for VIO output.
const FrameMap = "map"

// Stamp is a two-integer timestamp: seconds and nanoseconds past that second.
// Seconds are 32 bits wide, so the latest representable time is
// MaxStampNSec, early in the year 2106 for Unix-epoch stamps.
type Stamp struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

// MaxStampNSec is the largest nanosecond count a Stamp can hold.
const MaxStampNSec = uint64(math.MaxUint32)*1e9 + 999_999_999

// FromNSec splits a nanosecond count into seconds and remainder nanoseconds.
// Counts above MaxStampNSec saturate to it instead of wrapping.
func (s *Stamp) FromNSec(ns uint64) {
	ns = min(ns, MaxStampNSec)
	s.Sec = uint32(ns / 1e9)
	s.Nsec = uint32(ns % 1e9)
}

// NSec returns the stamp as nanoseconds.
func (s Stamp) NSec() uint64 {
	return uint64(s.Sec)*1e9 + uint64(s.Nsec)
}

// Header carries the stamp and the reference frame of a message.
type Header struct {
	Stamp   Stamp  `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Pose is a position and a unit-quaternion orientation. quat.Number stores
// the scalar part in Real and x, y, z in Imag, Jmag, Kmag.
type Pose struct {
	Position    r3.Vector   `json:"position"`
	Orientation quat.Number `json:"orientation"`
}

// Twist is linear and angular velocity.
type Twist struct {
	Linear  r3.Vector `json:"linear"`
	Angular r3.Vector `json:"angular"`
}

// PoseStamped is a pose with a header.
type PoseStamped struct {
	Header Header `json:"header"`
	Pose   Pose   `json:"pose"`
}

// Odometry is a pose and twist estimate. The pose is expressed in
// Header.FrameID and the twist in ChildFrameID.
type Odometry struct {
	Header       Header `json:"header"`
	ChildFrameID string `json:"child_frame_id"`
	Pose         Pose   `json:"pose"`
	Twist        Twist  `json:"twist"`
}

// NewPoseStamped returns a pose message in the given frame.
func NewPoseStamped(frameID string) *PoseStamped {
	return &PoseStamped{
		Header: Header{FrameID: frameID},
		Pose:   Pose{Orientation: quat.Number{Real: 1}},
	}
}

// NewOdometry returns an odometry message with the given parent and child frames.
func NewOdometry(frameID, childFrameID string) *Odometry {
	return &Odometry{
		Header:       Header{FrameID: frameID},
		ChildFrameID: childFrameID,
		Pose:         Pose{Orientation: quat.Number{Real: 1}},
	}
}
