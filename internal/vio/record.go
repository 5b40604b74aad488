// Package vio decodes the fixed-layout VIO records delivered on a producer
// channel and maps them onto the pose and odometry messages the bridge
// publishes.
package vio

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
)

/*
VIO record layout

Records are packed little-endian structs written back to back by the
producer. A delivery is valid only when it holds a whole number of
records and every record starts with MagicNumber.

RECORD (324 bytes):
├── magic_number         uint32      @0
├── quality              int32       @4
├── timestamp_ns         int64       @8    monotonic, treated as unsigned
├── T_imu_wrt_vio        3×float32   @16
├── R_imu_to_vio         9×float32   @28   row-major
├── pose_covariance      21×float32  @64   upper triangle of 6×6
├── vel_imu_wrt_vio      3×float32   @148
├── velocity_covariance  21×float32  @160
├── imu_angular_vel      3×float32   @244
├── gravity_vector       3×float32   @256
├── T_cam_wrt_imu        3×float32   @268
├── R_cam_to_imu         9×float32   @280
├── error_code           uint32      @316
├── n_feature_points     uint16      @320
├── state                uint8       @322
└── reserved             uint8       @323
*/
const (
	MagicNumber uint32 = 0x5455524B
	RecordSize         = 324

	// RecommendedReadBufSize holds a comfortable backlog of records for one read.
	RecommendedReadBufSize = RecordSize * 100

	offMagic          = 0
	offQuality        = 4
	offTimestamp      = 8
	offTImuWrtVio     = 16
	offRImuToVio      = 28
	offPoseCov        = 64
	offVelImuWrtVio   = 148
	offVelocityCov    = 160
	offImuAngularVel  = 244
	offGravity        = 256
	offTCamWrtImu     = 268
	offRCamToImu      = 280
	offErrorCode      = 316
	offNFeaturePoints = 320
	offState          = 322
)

// Estimator states reported in Record.State.
const (
	StateFailed       uint8 = 0
	StateInitializing uint8 = 1
	StateOK           uint8 = 2
)

// CovarianceLen is the number of stored entries of a 6×6 covariance.
const CovarianceLen = 21

// Record is one decoded VIO estimate. It is a plain value: decoding never
// retains the source buffer.
type Record struct {
	MagicNumber        uint32
	Quality            int32
	TimestampNs        uint64
	TImuWrtVio         r3.Vector
	RImuToVio          [9]float64
	PoseCovariance     [CovarianceLen]float32
	VelImuWrtVio       r3.Vector
	VelocityCovariance [CovarianceLen]float32
	ImuAngularVel      r3.Vector
	GravityVector      r3.Vector
	TCamWrtImu         r3.Vector
	RCamToImu          [9]float64
	ErrorCode          uint32
	NFeaturePoints     uint16
	State              uint8
}

// NewRecord returns a record carrying the magic number and identity rotations.
func NewRecord() Record {
	return Record{
		MagicNumber: MagicNumber,
		RImuToVio:   identity,
		RCamToImu:   identity,
		State:       StateOK,
	}
}

var identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

func f32(b []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
}

func vec3(b []byte, off int) r3.Vector {
	return r3.Vector{X: f32(b, off), Y: f32(b, off+4), Z: f32(b, off+8)}
}

func mat3(b []byte, off int) (m [9]float64) {
	for i := range m {
		m[i] = f32(b, off+4*i)
	}
	return m
}

func cov(b []byte, off int) (c [CovarianceLen]float32) {
	for i := range c {
		c[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off+4*i:]))
	}
	return c
}

// decodeRecord fills r from one RecordSize slice.
func decodeRecord(b []byte, r *Record) {
	_ = b[RecordSize-1]
	r.MagicNumber = binary.LittleEndian.Uint32(b[offMagic:])
	r.Quality = int32(binary.LittleEndian.Uint32(b[offQuality:]))
	r.TimestampNs = binary.LittleEndian.Uint64(b[offTimestamp:])
	r.TImuWrtVio = vec3(b, offTImuWrtVio)
	r.RImuToVio = mat3(b, offRImuToVio)
	r.PoseCovariance = cov(b, offPoseCov)
	r.VelImuWrtVio = vec3(b, offVelImuWrtVio)
	r.VelocityCovariance = cov(b, offVelocityCov)
	r.ImuAngularVel = vec3(b, offImuAngularVel)
	r.GravityVector = vec3(b, offGravity)
	r.TCamWrtImu = vec3(b, offTCamWrtImu)
	r.RCamToImu = mat3(b, offRCamToImu)
	r.ErrorCode = binary.LittleEndian.Uint32(b[offErrorCode:])
	r.NFeaturePoints = binary.LittleEndian.Uint16(b[offNFeaturePoints:])
	r.State = b[offState]
}

// AppendRecord encodes r in the wire layout and appends it to dst.
// Values are narrowed to float32 as the producer does.
func AppendRecord(dst []byte, r *Record) []byte {
	var b [RecordSize]byte
	putF32 := func(off int, v float64) {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	}
	putVec := func(off int, v r3.Vector) {
		putF32(off, v.X)
		putF32(off+4, v.Y)
		putF32(off+8, v.Z)
	}
	binary.LittleEndian.PutUint32(b[offMagic:], r.MagicNumber)
	binary.LittleEndian.PutUint32(b[offQuality:], uint32(r.Quality))
	binary.LittleEndian.PutUint64(b[offTimestamp:], r.TimestampNs)
	putVec(offTImuWrtVio, r.TImuWrtVio)
	for i, v := range r.RImuToVio {
		putF32(offRImuToVio+4*i, v)
	}
	for i, v := range r.PoseCovariance {
		binary.LittleEndian.PutUint32(b[offPoseCov+4*i:], math.Float32bits(v))
	}
	putVec(offVelImuWrtVio, r.VelImuWrtVio)
	for i, v := range r.VelocityCovariance {
		binary.LittleEndian.PutUint32(b[offVelocityCov+4*i:], math.Float32bits(v))
	}
	putVec(offImuAngularVel, r.ImuAngularVel)
	putVec(offGravity, r.GravityVector)
	putVec(offTCamWrtImu, r.TCamWrtImu)
	for i, v := range r.RCamToImu {
		putF32(offRCamToImu+4*i, v)
	}
	binary.LittleEndian.PutUint32(b[offErrorCode:], r.ErrorCode)
	binary.LittleEndian.PutUint16(b[offNFeaturePoints:], r.NFeaturePoints)
	b[offState] = r.State
	return append(dst, b[:]...)
}
