// Package admin mounts the bridge's debug pages under /debug/ using tsweb.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vio-bridge/internal/bridge"
	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/httputil"
	"github.com/banshee-data/vio-bridge/internal/recorder"
	"github.com/banshee-data/vio-bridge/internal/version"
)

// StatusSource reports interface states.
type StatusSource interface {
	Status() []bridge.Status
}

// TrajectorySource returns recorded odometry for a pipe.
type TrajectorySource interface {
	Recent(ctx context.Context, pipe string, limit int) ([]recorder.Row, error)
}

// Server serves the debug routes.
type Server struct {
	bus        *bus.Bus
	status     StatusSource
	trajectory TrajectorySource
}

// New returns an admin server. trajectory may be nil when no recorder is
// configured.
func New(b *bus.Bus, status StatusSource, trajectory TrajectorySource) *Server {
	return &Server{bus: b, status: status, trajectory: trajectory}
}

// AttachAdminRoutes registers the debug routes on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Version)
	debug.KV("Git SHA", version.GitSHA)

	debug.HandleFunc("interfaces", "VIO interface states (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.status.Status())
	})
	debug.HandleFunc("topics", "bus topic counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.bus.Topics())
	})
	debug.HandleSilentFunc("tail", s.handleTail)
	if s.trajectory != nil {
		debug.HandleSilentFunc("trajectory", s.handleTrajectory)
		for _, st := range s.status.Status() {
			debug.URL("/debug/trajectory?pipe="+st.Name, "recorded trajectory of "+st.Name)
		}
	}
}

// handleTail streams a topic as Server-Sent Events, one JSON message per
// event. Tailing a topic makes it count as a client.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	topic := r.FormValue("topic")
	if topic == "" {
		httputil.BadRequest(w, "missing topic")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	if !s.hasTopic(topic) {
		httputil.NotFound(w, "unknown topic")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	_ = s.bus.Tail(r.Context(), topic, func(msg any) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Server) hasTopic(name string) bool {
	for _, st := range s.bus.Topics() {
		if st.Name == name {
			return true
		}
	}
	return false
}

// handleTrajectory renders the recorded XY track of a pipe.
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	pipe := r.FormValue("pipe")
	if pipe == "" {
		httputil.BadRequest(w, "missing pipe")
		return
	}
	limit := 2000
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	rows, err := s.trajectory.Recent(r.Context(), pipe, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load trajectory: %v", err))
		return
	}

	pad := 1.0
	data := make([]opts.ScatterData, 0, len(rows))
	for _, row := range rows {
		p := row.Position
		pad = math.Max(pad, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}
	pad = math.Ceil(pad * 1.1)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "VIO Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "VIO Trajectory", Subtitle: fmt.Sprintf("pipe=%s samples=%d", pipe, len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries(pipe, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
