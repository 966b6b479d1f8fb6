package rendergrid

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Launcher spawns remote render processes from a connection
// description's launch command and waits for them to connect back.
//
// The command template supports the substitutions
//
//	%h  hostname of the description
//	%n  program name
//	%w  working directory
//	%c  client argument string, quoted with the description's quote char
//	%q  the literal quote char
//
// The client argument string encodes this node's listener address and a
// fresh request id ("host:port#id"); the child passes it back through
// its initial connect so the parent can match the connect event to the
// outstanding launch.
type Launcher struct {
	node   *Node
	logger *slog.Logger
	msink  metrics.MetricSink

	// listenAddr is the address launched children dial back to.
	listenAddr string

	// program and workdir substitute %n and %w.
	program string
	workdir string
}

// NewLauncher builds a launcher spawning children that connect back to
// listenAddr. program and workdir fill the %n and %w substitutions.
func NewLauncher(node *Node, listenAddr, program, workdir string) *Launcher {
	return &Launcher{
		node:       node,
		logger:     node.Logger(),
		msink:      node.MetricSink(),
		listenAddr: listenAddr,
		program:    program,
		workdir:    workdir,
	}
}

// ExpandLaunchCommand performs the template substitution for desc,
// returning the final shell command.
func ExpandLaunchCommand(desc ConnectionDescription, program, workdir, clientArgs string) string {
	quote := string(desc.LaunchQuoteChar)
	if desc.LaunchQuoteChar == 0 {
		quote = `"`
	}

	replacer := strings.NewReplacer(
		"%h", desc.Hostname,
		"%n", program,
		"%w", workdir,
		"%c", quote+clientArgs+quote,
		"%q", quote,
	)
	return replacer.Replace(desc.LaunchCommand)
}

// ClientArgs encodes the connect-back rendezvous handed to a launched
// child: the parent's listener address and the launch request id.
func ClientArgs(listenAddr string, requestID uint64) string {
	return fmt.Sprintf("%s#%d", listenAddr, requestID)
}

// ParseClientArgs is the child-side inverse of ClientArgs.
func ParseClientArgs(args string) (listenAddr string, requestID uint64, err error) {
	idx := strings.LastIndexByte(args, '#')
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: client args %q missing request id", ErrInvalidCfg, args)
	}
	listenAddr = args[:idx]
	if _, err := fmt.Sscanf(args[idx+1:], "%d", &requestID); err != nil {
		return "", 0, fmt.Errorf("%w: client args %q: %w", ErrInvalidCfg, args, err)
	}
	return listenAddr, requestID, nil
}

// Launch expands desc's launch command, spawns the child and blocks
// until it connects back or the description's launch timeout elapses.
// Returns the connected child's node id.
//
// When a gossip membership layer is active and already knows the target
// host is down, the spawn is skipped entirely.
func (l *Launcher) Launch(ctx context.Context, desc ConnectionDescription) (NodeID, error) {
	if desc.LaunchCommand == "" {
		return NodeID{}, ErrNoRoute
	}
	if ms := l.node.Membership(); ms != nil && !ms.Alive(desc.Hostname) {
		return NodeID{}, fmt.Errorf("%w: %s", ErrUnreachableHost, desc.Hostname)
	}

	reqID, err := l.node.Requests().Register()
	if err != nil {
		return NodeID{}, err
	}

	cmdline := ExpandLaunchCommand(desc, l.program, l.workdir, ClientArgs(l.listenAddr, reqID))
	l.logger.Info("launching render process",
		LabelPeerAddr.L(desc.Hostname),
		slog.String("command", cmdline),
	)

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	if l.workdir != "" {
		cmd.Dir = l.workdir
	}
	if err := cmd.Start(); err != nil {
		l.msink.IncrCounter(MetricLauncherSpawnErr, 1)
		l.node.Requests().Serve(reqID, nil, err)
		return NodeID{}, fmt.Errorf("launch %s: %w", desc.Hostname, err)
	}
	l.msink.IncrCounter(MetricLauncherSpawnCount, 1)

	// Reap the child whenever it exits so it never zombies; the
	// connect-back, not the exit status, decides launch success.
	go cmd.Wait()

	timeout := desc.LaunchTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := l.node.Requests().Wait(waitCtx, reqID)
	if err != nil {
		if waitCtx.Err() != nil {
			// Retire the request so a late connect-back is reported as
			// unsolicited instead of resolving a launch nobody awaits.
			l.node.Requests().Serve(reqID, nil, ErrLaunchTimeout)
			return NodeID{}, fmt.Errorf("%w: %s after %s", ErrLaunchTimeout, desc.Hostname, timeout)
		}
		return NodeID{}, err
	}
	return v.(NodeID), nil
}
