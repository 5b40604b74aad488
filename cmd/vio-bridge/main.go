// Command vio-bridge republishes VIO records from producer channels as pose
// and odometry topics, with optional recording, UDP forwarding, a debug
// HTTP listener and a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vio-bridge/internal/admin"
	"github.com/banshee-data/vio-bridge/internal/bridge"
	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/config"
	"github.com/banshee-data/vio-bridge/internal/forward"
	"github.com/banshee-data/vio-bridge/internal/health"
	"github.com/banshee-data/vio-bridge/internal/recorder"
	"github.com/banshee-data/vio-bridge/internal/version"
	"github.com/banshee-data/vio-bridge/internal/vio"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to bridge config (.toml or .json)")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("vio-bridge %s\n", version.String())
		return
	}

	cfg, err := config.LoadBridgeConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("vio-bridge: %v", err)
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

// interfaces builds one VIO interface per configured pipe.
func interfaces(b *bus.Bus, cfg *config.BridgeConfig) []bridge.Interface {
	out := make([]bridge.Interface, 0, len(cfg.Pipes))
	for _, p := range cfg.Pipes {
		out = append(out, bridge.NewVIOInterface(b, bridge.VIOConfig{
			Name:        p.Name,
			Channel:     p.Channel,
			ReadBufSize: p.GetReadBufSize(),
			Align:       p.GetAlign(),
			Port:        p.Serial,
			QueueDepth:  cfg.GetQueueDepth(),
		}))
	}
	return out
}

// run wires the bridge together and blocks until ctx is done. Resources are
// opened before any topic is advertised, so a bad config fails fast.
func run(ctx context.Context, cfg *config.BridgeConfig) error {
	b := bus.New()
	ifaces := interfaces(b, cfg)
	m := bridge.NewManager(bridge.ManagerOptions{
		PollInterval: cfg.GetPollInterval(),
		AlwaysOn:     cfg.AlwaysOn(),
	}, ifaces...)
	m.OnStateChange(func(s bridge.Status) {
		log.Printf("%s is %s (%d clients)", s.Name, s.State, s.Clients)
	})

	var (
		rec        *recorder.Recorder
		trajectory admin.TrajectorySource
	)
	if rc := cfg.Recorder; rc != nil {
		var err error
		rec, err = recorder.Open(rc.DBPath, recorder.Options{
			FlushInterval: rc.GetFlushInterval(),
			BatchSize:     rc.GetBatchSize(),
		})
		if err != nil {
			return err
		}
		defer rec.Close()
		trajectory = rec
	}

	var fwd *forward.Forwarder
	if fc := cfg.Forward; fc != nil {
		var err error
		fwd, err = forward.New(fc.Address, fc.GetLogInterval())
		if err != nil {
			return err
		}
		defer fwd.Close()
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		names := make([]string, 0, len(ifaces))
		for _, iface := range ifaces {
			names = append(names, iface.Name())
		}
		hs := health.New(names)
		m.OnStateChange(hs.Update)
		if err := hs.Start(addr); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		defer hs.Stop()
	}

	var lis net.Listener
	if addr := cfg.GetListen(); addr != "" {
		var err error
		lis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		defer lis.Close()
	}

	var mux *http.ServeMux
	if lis != nil {
		mux = http.NewServeMux()
		admin.New(b, m, trajectory).AttachAdminRoutes(mux)
		if rec != nil {
			if err := rec.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
	}

	// Topics must exist before the recorder and forwarder subscribe.
	if err := m.Advertise(); err != nil {
		return fmt.Errorf("advertise topics: %w", err)
	}

	// Runs before the deferred Close calls above, so the recorder's final
	// flush lands before the database closes.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if rec != nil {
		for _, iface := range ifaces {
			name := iface.Name()
			if !cfg.Recorder.Records(name) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := rec.Watch(ctx, b, name, bridge.OdometryTopic(name)); err != nil {
					log.Printf("recorder for %s stopped: %v", name, err)
				}
			}()
		}
	}

	if fwd != nil {
		topic := bridge.OdometryTopic(cfg.Forward.Pipe)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fwd.Run(ctx, b, topic); err != nil {
				log.Printf("forwarder stopped: %v", err)
			}
			sent, dropped := fwd.Stats()
			log.Printf("forwarder sent %d datagrams, dropped %d", sent, dropped)
		}()
	}

	if lis != nil {
		server := &http.Server{Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("HTTP server error: %v", err)
				}
			}()
			log.Printf("debug pages on http://%s/debug/", lis.Addr())

			// Wait for context cancellation to shut down server
			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	log.Printf("bridging %d pipes (record size %d bytes)", len(ifaces), vio.RecordSize)
	return m.Run(ctx)
}
