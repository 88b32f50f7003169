// ════════════════════════════════════════════════════════════════════════════════════════════════
// Detector Data Receiver - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Command Line & Process Lifecycle
//
// Description:
//   Loads the configuration, applies command-line overrides and runs one acquisition.
//   Config file → Flag overrides → Receiver start → Status loop → Stop on signal or frame target
//
// Architecture:
//   - Phase 1: Configuration from defaults, optional JSON file and flags
//   - Phase 2: Receiver construction and acquisition start
//   - Phase 3: Periodic status until SIGINT/SIGTERM or the last frame
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receiver/config"
	"receiver/debug"
	"receiver/receiver"
)

// overrides holds command-line values applied on top of the configuration
// file. Only flags the user actually set are applied.
type overrides struct {
	udpPort    int
	numPorts   int
	streamPort int
	frames     uint64
	filePath   string
	fileFormat string
	fileWrite  bool
	streaming  bool
	logLevel   string
}

func main() {
	var (
		cfgPath  string
		interval time.Duration
		o        overrides
	)
	flag.StringVar(&cfgPath, "config", "", "JSON configuration file")
	flag.DurationVar(&interval, "status", 2*time.Second, "status log interval (0 disables)")
	flag.IntVar(&o.udpPort, "udpport", 0, "UDP port of the first data port")
	flag.IntVar(&o.numPorts, "ports", 0, "number of UDP data ports")
	flag.IntVar(&o.streamPort, "streamport", 0, "publish port of the first streamer")
	flag.Uint64Var(&o.frames, "frames", 0, "frames per acquisition (0 runs until interrupted)")
	flag.StringVar(&o.filePath, "fpath", "", "output directory")
	flag.StringVar(&o.fileFormat, "fformat", "", "file format: binary or sqlite")
	flag.BoolVar(&o.fileWrite, "fwrite", false, "write frames to files")
	flag.BoolVar(&o.streaming, "stream", false, "stream frames to subscribers")
	flag.StringVar(&o.logLevel, "loglevel", "", "debug, info, warn or error")
	flag.Parse()

	// PHASE 1: configuration
	cfg := config.DefaultConfig()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			debug.DropError("CONFIG", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	o.apply(cfg)
	debug.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		debug.DropError("CONFIG", err)
		os.Exit(2)
	}

	// PHASE 2: receiver
	rx, err := receiver.New(cfg)
	if err != nil {
		debug.DropError("INIT", err)
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rx.StartReceiver(ctx); err != nil {
		debug.DropError("START", err)
		rx.Close()
		os.Exit(1)
	}
	debug.DropMessage("READY", fmt.Sprintf("listening on %s:%d (%d port(s))", cfg.UDPIP, cfg.UDPPort, cfg.NumPorts))

	// PHASE 3: status loop. A signal cancels ctx, which stops the
	// acquisition; the frame target ends it on its own.
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for done := false; !done; {
		select {
		case <-tick:
			debug.DropMessage("STATUS", rx.Status().String())
		case <-ctx.Done():
			debug.DropMessage("SIGNAL", "stopping acquisition")
			rx.StopReceiver()
			done = true
		case <-rx.Done():
			done = true
		}
	}

	s := rx.Status()
	debug.DropMessage("STATUS", s.String())
	if err := rx.Close(); err != nil {
		debug.DropError("CLOSE", err)
	}
	if s.Errors() {
		os.Exit(1)
	}
}

// apply copies every explicitly set flag into cfg.
func (o *overrides) apply(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "udpport":
			cfg.UDPPort = o.udpPort
		case "ports":
			cfg.NumPorts = o.numPorts
		case "streamport":
			cfg.StreamPort = o.streamPort
		case "frames":
			cfg.NumFrames = o.frames
		case "fpath":
			cfg.FilePath = o.filePath
		case "fformat":
			cfg.FileFormat = o.fileFormat
		case "fwrite":
			cfg.FileWrite = o.fileWrite
		case "stream":
			cfg.Streaming = o.streaming
		case "loglevel":
			cfg.LogLevel = o.logLevel
		}
	})
}
