// Command rendergrid runs either side of a render cluster.
//
// Server: rendergrid --server [--latency N] [--frames N] [--listen addr]
// launches its render nodes, drives frames until the count is reached
// or the process is interrupted, then tears the cluster down.
//
// Render node: rendergrid --client ARGS is normally spawned by the
// server's launcher; ARGS is the "listenerAddress#requestID" rendezvous
// the launcher generated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/memberlist"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/dataplane"
	"github.com/shugraphics/rendergrid/hierarchy"
	"github.com/shugraphics/rendergrid/render"
)

const (
	envLogLevel    = "RENDERGRID_LOG_LEVEL"
	envDefaultPort = "RENDERGRID_DEFAULT_PORT"

	defaultPort    = 4242
	defaultSession = "rendergrid"
)

func main() {
	var (
		serverMode = flag.Bool("server", false, "run the cluster server")
		clientArgs = flag.String("client", "", "render node rendezvous args (set by the launcher)")
		configFile = flag.String("config", "", "cluster configuration file")
		listenAddr = flag.String("listen", "", "server listen address (host:port)")
		gossipAddr = flag.String("gossip", "", "gossip bind address (host:port), empty disables the liveness layer")
		latency    = flag.Uint("latency", 1, "frame latency window")
		frames     = flag.Uint("frames", 10, "number of frames to render, 0 for until interrupted")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *clientArgs != "":
		if err := render.RunClient(ctx, render.ClientOptions{
			Args:        *clientArgs,
			SessionName: defaultSession,
		}); err != nil {
			logger.Error("render node failed", "error", err)
			os.Exit(1)
		}

	case *serverMode:
		if *configFile != "" {
			// The braces-and-keywords file format is owned by the
			// embedding application's parser; the standalone binary
			// only knows the built-in demo configuration.
			logger.Error("no configuration parser linked, run without --config")
			os.Exit(2)
		}
		if err := runServer(ctx, logger, *listenAddr, *gossipAddr, uint32(*latency), *frames); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func logLevel() slog.Level {
	switch os.Getenv(envLogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func listenDescription(addr string) rendergrid.ConnectionDescription {
	port := defaultPort
	if env := os.Getenv(envDefaultPort); env != "" {
		if p, err := strconv.Atoi(env); err == nil {
			port = p
		}
	}
	desc := rendergrid.ConnectionDescription{
		Type:     rendergrid.ConnTCPIP,
		Hostname: "127.0.0.1",
		Port:     port,
	}
	if addr != "" {
		if d, err := parseHostPort(addr); err == nil {
			desc = d
		}
	}
	return desc
}

func parseHostPort(addr string) (rendergrid.ConnectionDescription, error) {
	var host string
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			p, err := strconv.Atoi(addr[i+1:])
			if err != nil {
				return rendergrid.ConnectionDescription{}, err
			}
			host, port = addr[:i], p
			break
		}
	}
	if host == "" {
		return rendergrid.ConnectionDescription{}, fmt.Errorf("address %q: missing port", addr)
	}
	return rendergrid.ConnectionDescription{
		Type:     rendergrid.ConnTCPIP,
		Hostname: host,
		Port:     port,
	}, nil
}

// runServer drives the built-in demo configuration: one auto-launched
// local render node with one pipe, one window and one full-range
// channel.
func runServer(ctx context.Context, logger *slog.Logger, addr, gossipAddr string, latency uint32, frames uint) error {
	desc := listenDescription(addr)

	nodeOpts := []rendergrid.Option{rendergrid.WithLog(logger.Handler())}
	if gossipAddr != "" {
		gossip, err := parseHostPort(gossipAddr)
		if err != nil {
			return fmt.Errorf("gossip address: %w", err)
		}
		mlCfg := memberlist.DefaultLANConfig()
		mlCfg.BindAddr = gossip.Hostname
		mlCfg.BindPort = gossip.Port
		nodeOpts = append(nodeOpts, rendergrid.WithMembership(mlCfg))
	}

	node, err := rendergrid.NewNode(nodeOpts...)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	if err := node.Listen(desc); err != nil {
		return err
	}

	sink, err := dataplane.NewTransport(dataplane.TransportConfig{
		BindAddr:   "127.0.0.1:0",
		LogHandler: logger.Handler(),
	})
	if err != nil {
		return err
	}
	defer sink.Close()

	program, err := os.Executable()
	if err != nil {
		program = os.Args[0]
	}
	workdir, _ := os.Getwd()
	launcher := rendergrid.NewLauncher(node, desc.Address(), program, workdir)

	config := hierarchy.NewConfig(node, defaultSession,
		hierarchy.WithLatency(latency),
		hierarchy.WithLauncher(launcher),
		hierarchy.WithFrameSink(sink.Addr()),
	)

	n := config.NewNode("local")
	n.SetAutoLaunch(true)
	n.AddConnectionDescription(rendergrid.ConnectionDescription{
		Type:          rendergrid.ConnTCPIP,
		Hostname:      "localhost",
		LaunchCommand: "%n --client %c",
	})
	pipe := n.NewPipe(0)
	win := pipe.NewWindow("window", hierarchy.PixelViewport{W: 640, H: 480})
	win.NewChannel("channel")

	if err := config.Init(ctx); err != nil {
		return err
	}

	fd := hierarchy.NewFrameData()
	for i := uint(0); frames == 0 || i < frames; i++ {
		if ctx.Err() != nil {
			break
		}
		frame, err := config.StartFrame(ctx, fd)
		if err != nil {
			config.Exit(context.WithoutCancel(ctx))
			return err
		}
		logger.Debug("frame started", "frame", uint32(frame))
	}
	if err := config.FinishAllFrames(ctx); err != nil {
		logger.Warn("pipeline drain failed", "error", err)
	}

	exitCtx := context.WithoutCancel(ctx)
	if err := config.Exit(exitCtx); err != nil {
		return err
	}
	for _, peer := range node.Peers() {
		node.Stop(peer, true)
	}
	logger.Info("clean shutdown", "finished_frame", uint32(config.FinishedFrame()))
	return nil
}
