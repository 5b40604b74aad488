// Command vio-sim produces synthetic VIO records on a channel so the bridge
// can be exercised without a camera pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/vio-bridge/internal/timeutil"
)

func main() {
	out := flag.String("o", "/tmp/vio-sim", "channel to produce on (fifo path, unix://path or tcp://host:port)")
	rate := flag.Float64("rate", 30, "records per second")
	batch := flag.Int("batch", 1, "records per write")
	radius := flag.Float64("radius", 5, "circle radius in metres")
	speed := flag.Float64("speed", 1, "speed in metres per second")
	flag.Parse()

	if *rate <= 0 || *batch < 1 || *radius <= 0 {
		log.Fatal("rate and radius must be positive and batch at least 1")
	}

	gen := newCircle()
	gen.Radius = *radius
	gen.SpeedMPS = *speed

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &streamer{gen: gen, clock: timeutil.RealClock{}, rate: *rate, batch: *batch}
	if err := s.serve(ctx, *out); err != nil {
		log.Fatalf("vio-sim: %v", err)
	}
}
