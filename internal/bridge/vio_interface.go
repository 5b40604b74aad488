package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/monitoring"
	"github.com/banshee-data/vio-bridge/internal/msgs"
	"github.com/banshee-data/vio-bridge/internal/pipe"
	"github.com/banshee-data/vio-bridge/internal/vio"
)

var logf = monitoring.Component("Bridge")

// Interface is the lifecycle surface the Manager drives.
type Interface interface {
	Name() string
	AdvertiseTopics() error
	StartPublishing(ctx context.Context) error
	StopPublishing()
	Clean()
	GetNumClients() int
	State() State
	Channel() string
	ChannelStats() (reads, bytes uint64)
}

// VIOConfig configures one VIO interface.
type VIOConfig struct {
	// Name is the pipe name; topics are /<Name>/pose and /<Name>/odometry.
	Name string
	// Channel is the producer channel address understood by pipe.Open.
	Channel string
	// ReadBufSize overrides vio.RecommendedReadBufSize.
	ReadBufSize int
	// Align makes stream channels deliver whole records only.
	Align bool
	// Port configures serial channels.
	Port pipe.PortOptions
	// QueueDepth is the per-subscriber queue depth of both topics.
	QueueDepth int
}

// PoseTopic returns the pose topic name for a pipe.
func PoseTopic(name string) string { return fmt.Sprintf("/%s/pose", name) }

// OdometryTopic returns the odometry topic name for a pipe.
func OdometryTopic(name string) string { return fmt.Sprintf("/%s/odometry", name) }

// VIOInterface republishes VIO records from one channel as pose and
// odometry messages.
//
// Records are dispatched on the channel's reader goroutine, which is the
// only writer of the reusable messages. Lifecycle calls are serialised by
// mu; the state is atomic so dispatch can read it without locking.
type VIOInterface struct {
	cfg  VIOConfig
	bus  *bus.Bus
	open func(ctx context.Context, addr string, opts pipe.Options, h pipe.Handler) (*pipe.Client, error)

	mu     sync.Mutex
	state  atomic.Int32
	client *pipe.Client
	// reads and bytes total the clients already closed.
	reads, bytes uint64

	posePub *bus.Topic[msgs.PoseStamped]
	odomPub *bus.Topic[msgs.Odometry]
	poseMsg *msgs.PoseStamped
	odomMsg *msgs.Odometry
}

// NewVIOInterface creates an interface in StateNew. Nothing is advertised
// until AdvertiseTopics.
func NewVIOInterface(b *bus.Bus, cfg VIOConfig) *VIOInterface {
	return &VIOInterface{cfg: cfg, bus: b, open: pipe.Open}
}

// Name returns the pipe name.
func (v *VIOInterface) Name() string { return v.cfg.Name }

// Channel returns the producer channel address.
func (v *VIOInterface) Channel() string { return v.cfg.Channel }

// State returns the current lifecycle state.
func (v *VIOInterface) State() State { return State(v.state.Load()) }

func (v *VIOInterface) setState(s State) { v.state.Store(int32(s)) }

// AdvertiseTopics creates the pose and odometry topics and the reusable
// messages. Calling it again keeps the topics and resets the frame ids; a
// running channel is stopped first.
func (v *VIOInterface) AdvertiseTopics() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	from := v.State()
	next, ok := transition(from, evAdvertise)
	if !ok {
		return invalid(from, evAdvertise)
	}
	if from == StateRunning {
		v.setState(StateAdvertised)
		v.detach()
	}

	if v.posePub == nil {
		pose, err := bus.Advertise[msgs.PoseStamped](v.bus, PoseTopic(v.cfg.Name), v.cfg.QueueDepth)
		if err != nil {
			return fmt.Errorf("advertise %s: %w", PoseTopic(v.cfg.Name), err)
		}
		odom, err := bus.Advertise[msgs.Odometry](v.bus, OdometryTopic(v.cfg.Name), v.cfg.QueueDepth)
		if err != nil {
			pose.Shutdown()
			return fmt.Errorf("advertise %s: %w", OdometryTopic(v.cfg.Name), err)
		}
		v.posePub, v.odomPub = pose, odom
		v.poseMsg = msgs.NewPoseStamped(msgs.FrameMap)
		v.odomMsg = msgs.NewOdometry(msgs.FrameMap, msgs.FrameMap)
	}
	v.poseMsg.Header.FrameID = msgs.FrameMap
	v.odomMsg.Header.FrameID = msgs.FrameMap
	v.odomMsg.ChildFrameID = msgs.FrameMap

	v.setState(next)
	return nil
}

// StartPublishing opens the channel and begins dispatching records. If the
// channel cannot be opened the interface stays advertised and the error is
// returned; the caller may retry later.
func (v *VIOInterface) StartPublishing(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	from := v.State()
	next, ok := transition(from, evStart)
	if !ok {
		return invalid(from, evStart)
	}
	v.detach()

	opts := pipe.Options{ReadBufSize: v.cfg.ReadBufSize, Port: v.cfg.Port}
	if opts.ReadBufSize <= 0 {
		opts.ReadBufSize = vio.RecommendedReadBufSize
	}
	if v.cfg.Align {
		opts.Alignment = vio.RecordSize
	}

	// Running is set before the reader exists so its first delivery is not
	// discarded; a failed open puts the state back.
	v.setState(next)
	client, err := v.open(ctx, v.cfg.Channel, opts, pipe.Handler{
		OnData:       v.dispatch,
		OnDisconnect: v.onDisconnect,
	})
	if err != nil {
		v.setState(from)
		logf("error opening channel for %s: %v", v.cfg.Name, err)
		return fmt.Errorf("start %s: %w", v.cfg.Name, err)
	}
	v.client = client
	logf("%s publishing from %s", v.cfg.Name, client.Addr())
	return nil
}

// StopPublishing closes the channel and returns to advertised. It does
// nothing unless the interface is running.
func (v *VIOInterface) StopPublishing() {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, ok := transition(v.State(), evStop)
	if !ok {
		return
	}
	v.setState(next)
	v.detach()
	logf("%s stopped", v.cfg.Name)
}

// Clean releases the channel, both topics and the reusable messages. The
// interface cannot be used afterwards.
func (v *VIOInterface) Clean() {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, ok := transition(v.State(), evClean)
	if !ok {
		return
	}
	v.setState(next)
	v.detach()

	if v.posePub != nil {
		v.posePub.Shutdown()
		v.odomPub.Shutdown()
	}
	v.posePub, v.odomPub = nil, nil
	v.poseMsg, v.odomMsg = nil, nil
}

// GetNumClients returns the subscriber count across both topics.
func (v *VIOInterface) GetNumClients() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.posePub == nil {
		return 0
	}
	return v.posePub.NumSubscribers() + v.odomPub.NumSubscribers()
}

// ChannelStats returns reads and bytes received since the interface was
// created, across every channel it has opened.
func (v *VIOInterface) ChannelStats() (reads, bytes uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	reads, bytes = v.reads, v.bytes
	if v.client != nil {
		r, n := v.client.Stats()
		reads += r
		bytes += n
	}
	return reads, bytes
}

// detach closes the channel, waiting for an in-flight delivery to finish.
// Callers hold mu.
func (v *VIOInterface) detach() {
	if v.client == nil {
		return
	}
	select {
	case <-v.client.Done():
		logf("%s reaping closed channel %s", v.cfg.Name, v.client.Addr())
	default:
	}
	if err := v.client.Close(); err != nil {
		logf("error closing channel for %s: %v", v.cfg.Name, err)
	}
	r, n := v.client.Stats()
	v.reads += r
	v.bytes += n
	v.client = nil
}

// onDisconnect runs on the reader goroutine when the producer goes away.
// It must not wait for the reader, so it only moves the state; the dead
// client is reaped by the next lifecycle call.
func (v *VIOInterface) onDisconnect(err error) {
	to, ok := transition(StateRunning, evDisconnect)
	if ok && v.state.CompareAndSwap(int32(StateRunning), int32(to)) {
		logf("%s channel disconnected: %v", v.cfg.Name, err)
	}
}

// dispatch handles one delivery from the channel. Malformed deliveries and
// deliveries outside the running state are dropped without comment.
func (v *VIOInterface) dispatch(buf []byte, n int) {
	batch, ok := vio.Validate(buf, n)
	if !ok {
		return
	}
	if v.State() != StateRunning {
		return
	}

	var rec vio.Record
	for i := 0; i < batch.Len(); i++ {
		batch.Decode(i, &rec)
		vio.MapRecord(&rec, v.poseMsg, v.odomMsg)
		v.posePub.Publish(*v.poseMsg)
		v.odomPub.Publish(*v.odomMsg)
	}
}
