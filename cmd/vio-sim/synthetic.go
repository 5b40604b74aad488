package main

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/vio-bridge/internal/vio"
)

// circle generates a vehicle flying a horizontal circle at constant speed,
// nose along the direction of travel.
type circle struct {
	Radius   float64 // metres
	SpeedMPS float64
	Height   float64 // metres above the VIO origin
	Features uint16
}

func newCircle() *circle {
	return &circle{Radius: 5, SpeedMPS: 1, Height: 1.5, Features: 64}
}

// At returns the record for elapsed time t since the producer started.
// Timestamps start at 1ns so the first record is never zero.
func (c *circle) At(t time.Duration) vio.Record {
	omega := c.SpeedMPS / c.Radius
	theta := omega * t.Seconds()
	sin, cos := math.Sincos(theta)

	r := vio.NewRecord()
	r.TimestampNs = uint64(t) + 1
	r.Quality = 100
	r.NFeaturePoints = c.Features
	r.TImuWrtVio = r3.Vector{X: c.Radius * cos, Y: c.Radius * sin, Z: c.Height}
	r.VelImuWrtVio = r3.Vector{X: -c.SpeedMPS * sin, Y: c.SpeedMPS * cos}
	r.ImuAngularVel = r3.Vector{Z: omega}
	r.GravityVector = r3.Vector{Z: -9.80665}

	yaw := theta + math.Pi/2
	r.RImuToVio = vio.QuaternionToRotation(quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)})
	return r
}
