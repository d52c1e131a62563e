//go:build linux
// +build linux

package cmd

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/fzft/go-nioendpoint/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	running bool
	paused  bool
	maxConn int64
	count   int64
}

func (f *fakeController) LocalAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}
func (f *fakeController) BindState() endpoint.BindState { return endpoint.BoundOnInit }
func (f *fakeController) IsRunning() bool { return f.running }
func (f *fakeController) IsPaused() bool { return f.paused }
func (f *fakeController) Pause() { f.paused = true }
func (f *fakeController) Resume() { f.paused = false }
func (f *fakeController) MaxConnections() int64 { return f.maxConn }
func (f *fakeController) SetMaxConnections(n int64) { f.maxConn = n }
func (f *fakeController) ConnectionCount() int64 { return f.count }
func (f *fakeController) Executor() *endpoint.Executor { return nil }

func newTestConsole() (*Console, *fakeController, *bytes.Buffer, *int) {
	ctl := &fakeController{running: true, maxConn: 100, count: 3}
	stops := 0
	c := NewConsole(ctl, func() error {
		stops++
		return nil
	}, "test")
	out := &bytes.Buffer{}
	c.out = out
	return c, ctl, out, &stops
}

func TestConsoleStatus(t *testing.T) {
	c, ctl, out, _ := newTestConsole()

	done, err := c.Exec([]string{"STATUS"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, out.String(), "addr:127.0.0.1:8080")
	assert.Contains(t, out.String(), "bind_state:"+endpoint.BoundOnInit.String())
	assert.Contains(t, out.String(), "state:running")
	assert.Contains(t, out.String(), "connections:3")
	assert.Contains(t, out.String(), "max_connections:100")

	ctl.paused = true
	out.Reset()
	_, err = c.Exec([]string{"status"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "state:paused")
}

func TestConsolePauseResume(t *testing.T) {
	c, ctl, _, _ := newTestConsole()

	_, err := c.Exec([]string{"pause"})
	require.NoError(t, err)
	assert.True(t, ctl.paused)

	_, err = c.Exec([]string{"resume"})
	require.NoError(t, err)
	assert.False(t, ctl.paused)
}

func TestConsoleMaxConn(t *testing.T) {
	c, ctl, out, _ := newTestConsole()

	_, err := c.Exec([]string{"maxconn"})
	require.NoError(t, err)
	assert.Equal(t, "(integer) 100\n", out.String())

	_, err = c.Exec([]string{"maxconn", "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ctl.maxConn)

	_, err = c.Exec([]string{"maxconn", "-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ctl.maxConn)

	for _, bad := range []string{"0", "-2", "ten"} {
		_, err = c.Exec([]string{"maxconn", bad})
		assert.Error(t, err, bad)
	}
	assert.Equal(t, int64(-1), ctl.maxConn)
}

func TestConsoleStopEndsSession(t *testing.T) {
	for _, name := range []string{"stop", "quit", "exit"} {
		c, _, _, stops := newTestConsole()
		done, err := c.Exec([]string{name})
		require.NoError(t, err)
		assert.True(t, done, name)
		assert.Equal(t, 1, *stops, name)
	}
}

func TestConsoleStopError(t *testing.T) {
	c, _, _, _ := newTestConsole()
	c.stop = func() error { return errors.New("boom") }
	done, err := c.Exec([]string{"stop"})
	assert.True(t, done)
	assert.EqualError(t, err, "boom")
}

func TestConsoleRejectsBadInput(t *testing.T) {
	c, _, _, _ := newTestConsole()

	_, err := c.Exec([]string{"flushall"})
	assert.ErrorContains(t, err, "unknown command")

	_, err = c.Exec([]string{"pause", "now"})
	assert.ErrorContains(t, err, "wrong number of arguments")
}

func TestConsoleHelp(t *testing.T) {
	c, _, out, _ := newTestConsole()

	_, err := c.Exec([]string{"help"})
	require.NoError(t, err)
	for _, name := range commandNames() {
		assert.Contains(t, out.String(), name)
	}

	out.Reset()
	_, err = c.Exec([]string{"help", "maxconn"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "connection limit")
}

func TestGetDotfilePath(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	t.Setenv(CliHisFileEnv, "")
	assert.Equal(t, "/home/op/"+CliHisFileDefault, getDotfilePath(CliHisFileEnv, CliHisFileDefault))

	t.Setenv(CliHisFileEnv, "/tmp/hist")
	assert.Equal(t, "/tmp/hist", getDotfilePath(CliHisFileEnv, CliHisFileDefault))

	t.Setenv(CliHisFileEnv, "/dev/null")
	assert.Empty(t, getDotfilePath(CliHisFileEnv, CliHisFileDefault))
}
