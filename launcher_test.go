package rendergrid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpandLaunchCommand(t *testing.T) {
	desc := ConnectionDescription{
		Hostname:        "render-3",
		LaunchCommand:   `ssh %h %n --client %c --quote %q`,
		LaunchQuoteChar: '\'',
	}
	got := ExpandLaunchCommand(desc, "/opt/renderer", "/work", "127.0.0.1:4242#9")
	require.Equal(t, `ssh render-3 /opt/renderer --client '127.0.0.1:4242#9' --quote '`, got)
}

func TestExpandLaunchCommandDefaultQuote(t *testing.T) {
	desc := ConnectionDescription{
		Hostname:      "h",
		LaunchCommand: `%n %c`,
	}
	got := ExpandLaunchCommand(desc, "prog", "", "a#1")
	require.Equal(t, `prog "a#1"`, got)
}

func TestClientArgsRoundTrip(t *testing.T) {
	args := ClientArgs("10.0.0.1:4242", 77)
	addr, reqID, err := ParseClientArgs(args)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:4242", addr)
	require.Equal(t, uint64(77), reqID)
}

func TestParseClientArgsRejectsGarbage(t *testing.T) {
	_, _, err := ParseClientArgs("no-request-id")
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, _, err = ParseClientArgs("host:1#notanumber")
	require.Error(t, err)
}

func TestLauncherRequiresLaunchCommand(t *testing.T) {
	node, err := NewNode()
	require.NoError(t, err)
	defer node.Shutdown()

	l := NewLauncher(node, "127.0.0.1:4242", "prog", "")
	_, err = l.Launch(context.Background(), ConnectionDescription{Hostname: "h"})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestLauncherTimesOutWithoutConnectBack(t *testing.T) {
	node, err := NewNode()
	require.NoError(t, err)
	defer node.Shutdown()

	l := NewLauncher(node, "127.0.0.1:4242", "true", "")
	_, err = l.Launch(context.Background(), ConnectionDescription{
		Hostname:      "localhost",
		LaunchCommand: "%n",
		LaunchTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrLaunchTimeout)
}
