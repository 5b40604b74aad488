package forward

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"
	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/vio-bridge/internal/msgs"
)

// Datagrams carry one odometry message in protobuf wire format, laid out
// like nav_msgs/Odometry:
//
//	message Odometry   { Header header = 1; string child_frame_id = 2; Pose pose = 3; Twist twist = 4; }
//	message Header     { uint32 sec = 1; uint32 nsec = 2; string frame_id = 3; }
//	message Pose       { Vector3 position = 1; Quaternion orientation = 2; }
//	message Twist      { Vector3 linear = 1; Vector3 angular = 2; }
//	message Vector3    { double x = 1; double y = 2; double z = 3; }
//	message Quaternion { double x = 1; double y = 2; double z = 3; double w = 4; }
//
// Every field is written, zero or not. Unknown fields are skipped on decode.

var errTruncated = errors.New("truncated odometry datagram")

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVector(b []byte, v r3.Vector) []byte {
	b = appendDouble(b, 1, v.X)
	b = appendDouble(b, 2, v.Y)
	return appendDouble(b, 3, v.Z)
}

func appendQuaternion(b []byte, q quat.Number) []byte {
	b = appendDouble(b, 1, q.Imag)
	b = appendDouble(b, 2, q.Jmag)
	b = appendDouble(b, 3, q.Kmag)
	return appendDouble(b, 4, q.Real)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// AppendOdometry appends the wire encoding of m to dst.
func AppendOdometry(dst []byte, m *msgs.Odometry) []byte {
	var scratch [128]byte

	hdr := scratch[:0]
	hdr = protowire.AppendTag(hdr, 1, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(m.Header.Stamp.Sec))
	hdr = protowire.AppendTag(hdr, 2, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(m.Header.Stamp.Nsec))
	hdr = protowire.AppendTag(hdr, 3, protowire.BytesType)
	hdr = protowire.AppendString(hdr, m.Header.FrameID)
	dst = appendMessage(dst, 1, hdr)

	dst = protowire.AppendTag(dst, 2, protowire.BytesType)
	dst = protowire.AppendString(dst, m.ChildFrameID)

	var vec [64]byte
	pose := scratch[:0]
	pose = appendMessage(pose, 1, appendVector(vec[:0], m.Pose.Position))
	pose = appendMessage(pose, 2, appendQuaternion(vec[:0], m.Pose.Orientation))
	dst = appendMessage(dst, 3, pose)

	twist := scratch[:0]
	twist = appendMessage(twist, 1, appendVector(vec[:0], m.Twist.Linear))
	twist = appendMessage(twist, 2, appendVector(vec[:0], m.Twist.Angular))
	return appendMessage(dst, 4, twist)
}

// fieldFunc consumes the value of one field and returns the bytes used, or
// 0 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return protowire.ParseError(used)
		}
		if used > len(b) {
			return errTruncated
		}
		b = b[used:]
	}
	return nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	if n > 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumeMessage(typ protowire.Type, b []byte, fn fieldFunc) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	body, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, walk(body, fn)
}

func vectorFields(v *r3.Vector) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &v.X), nil
		case 2:
			return consumeDouble(typ, b, &v.Y), nil
		case 3:
			return consumeDouble(typ, b, &v.Z), nil
		}
		return 0, nil
	}
}

func quaternionFields(q *quat.Number) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &q.Imag), nil
		case 2:
			return consumeDouble(typ, b, &q.Jmag), nil
		case 3:
			return consumeDouble(typ, b, &q.Kmag), nil
		case 4:
			return consumeDouble(typ, b, &q.Real), nil
		}
		return 0, nil
	}
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	s, n := protowire.ConsumeString(b)
	if n > 0 {
		*dst = s
	}
	return n
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*dst = uint32(v)
	}
	return n
}

// DecodeOdometry parses a datagram produced by AppendOdometry.
func DecodeOdometry(b []byte) (msgs.Odometry, error) {
	var m msgs.Odometry
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeUint32(typ, b, &m.Header.Stamp.Sec), nil
				case 2:
					return consumeUint32(typ, b, &m.Header.Stamp.Nsec), nil
				case 3:
					return consumeString(typ, b, &m.Header.FrameID), nil
				}
				return 0, nil
			})
		case 2:
			return consumeString(typ, b, &m.ChildFrameID), nil
		case 3:
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeMessage(typ, b, vectorFields(&m.Pose.Position))
				case 2:
					return consumeMessage(typ, b, quaternionFields(&m.Pose.Orientation))
				}
				return 0, nil
			})
		case 4:
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeMessage(typ, b, vectorFields(&m.Twist.Linear))
				case 2:
					return consumeMessage(typ, b, vectorFields(&m.Twist.Angular))
				}
				return 0, nil
			})
		}
		return 0, nil
	})
	return m, err
}
