//go:build linux
// +build linux

package endpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

// newSendfileWrapper registers a fake-channel wrapper with a poller that is
// not running, so the test drives every step.
func newSendfileWrapper(t *testing.T, d dispatcher) (*SocketWrapper, *fakeChannel, *Poller) {
	t.Helper()
	fd, _ := socketPair(t)
	t.Cleanup(func() { _ = closeFd(fd) })
	ch := newFakeChannel(fd)
	p := newTestPoller(t, d)
	t.Cleanup(func() { _ = p.reg.close() })

	w := newSocketWrapper(ch, nil, testWrapperConfig(), nil, nil)
	p.register(w)
	p.drainEvents()
	return w, ch, p
}

func TestSendfileCompletesAcrossWriteRegistrations(t *testing.T) {
	w, ch, p := newSendfileWrapper(t, &recordingDispatcher{accept: true})
	path, content := writeTempFile(t, 10000)
	ch.setRoom(1000)

	sd, err := NewSendfileData(path, KeepAliveOpen)
	require.NoError(t, err)
	require.Equal(t, int64(10000), sd.Length)

	assert.Equal(t, SendfilePending, w.ProcessSendfile(sd))
	assert.Same(t, sd, w.SendfileData())
	assert.Equal(t, 1, p.pendingEvents(), "write interest goes through the inbox")
	p.drainEvents()
	key := p.keys[w.Fd()]
	require.NotNil(t, key)

	var states []SendfileState
	registrations := 0
	for i := 0; i < 100; i++ {
		require.NotZero(t, key.interest&opWrite)
		// the poller clears ready interest before continuing the transfer
		p.unreg(key, opWrite)
		ch.setRoom(1000)
		st := w.processSendfile(sd, false)
		states = append(states, st)
		if st != SendfilePending {
			break
		}
		registrations++
	}

	require.Equal(t, SendfileDone, states[len(states)-1])
	assert.Equal(t, 8, registrations)
	for _, st := range states[:len(states)-1] {
		assert.Equal(t, SendfilePending, st)
	}
	assert.Nil(t, w.SendfileData())
	assert.True(t, bytes.Equal(content, ch.written()))

	// OPEN keep-alive waits for the next request
	assert.NotZero(t, key.interest&opRead)
	assert.False(t, w.IsClosed())

	calls := ch.sendfileCallCount()
	assert.Equal(t, SendfileDone, w.processSendfile(sd, false))
	assert.Equal(t, SendfileDone, sd.State())
	assert.Equal(t, calls, ch.sendfileCallCount())
}

func TestSendfileFlushesBufferedOutputFirst(t *testing.T) {
	w, ch, _ := newSendfileWrapper(t, &recordingDispatcher{accept: true})
	path, content := writeTempFile(t, 64)

	require.NoError(t, w.Write(false, []byte("header:")))
	sd, err := NewSendfileData(path, KeepAliveOpen)
	require.NoError(t, err)

	assert.Equal(t, SendfileDone, w.ProcessSendfile(sd))
	assert.Equal(t, append([]byte("header:"), content...), ch.written())
}

func TestSendfileKeepAliveNoneCloses(t *testing.T) {
	w, ch, _ := newSendfileWrapper(t, &recordingDispatcher{accept: true})
	path, _ := writeTempFile(t, 100)
	ch.setRoom(60)

	sd, err := NewSendfileData(path, KeepAliveNone)
	require.NoError(t, err)
	assert.Equal(t, SendfilePending, w.ProcessSendfile(sd))

	ch.setRoom(-1)
	assert.Equal(t, SendfileDone, w.processSendfile(sd, false))
	assert.True(t, w.IsClosed())
}

func TestSendfileKeepAlivePipelinedDispatchesRead(t *testing.T) {
	d := &recordingDispatcher{accept: true}
	w, ch, _ := newSendfileWrapper(t, d)
	path, _ := writeTempFile(t, 100)
	ch.setRoom(60)

	sd, err := NewSendfileData(path, KeepAlivePipelined)
	require.NoError(t, err)
	assert.Equal(t, SendfilePending, w.ProcessSendfile(sd))

	ch.setRoom(-1)
	assert.Equal(t, SendfileDone, w.processSendfile(sd, false))
	assert.Equal(t, []SocketEvent{EventOpenRead}, d.events())
	assert.True(t, d.last().dispatch)
	assert.False(t, w.IsClosed())
}

func TestSendfileMissingFileFails(t *testing.T) {
	w, _, _ := newSendfileWrapper(t, &recordingDispatcher{accept: true})
	sd := &SendfileData{Path: filepath.Join(t.TempDir(), "missing"), Length: 10, KeepAlive: KeepAliveOpen}

	assert.Equal(t, SendfileError, w.ProcessSendfile(sd))
	assert.Error(t, w.Err())
	assert.Nil(t, w.SendfileData())
	// on the processor path the handler decides what to do with the socket
	assert.False(t, w.IsClosed())
	assert.Equal(t, SendfileError, w.processSendfile(sd, false))
}

func TestSendfileErrorOnPollerPathCloses(t *testing.T) {
	w, ch, _ := newSendfileWrapper(t, &recordingDispatcher{accept: true})
	path, _ := writeTempFile(t, 100)
	ch.setRoom(10)

	sd, err := NewSendfileData(path, KeepAliveOpen)
	require.NoError(t, err)
	assert.Equal(t, SendfilePending, w.ProcessSendfile(sd))

	require.NoError(t, ch.Close())
	assert.Equal(t, SendfileError, w.processSendfile(sd, false))
	assert.True(t, w.IsClosed())
}

func TestNewSendfileDataRejectsDirectories(t *testing.T) {
	_, err := NewSendfileData(t.TempDir(), KeepAliveNone)
	assert.Error(t, err)
}
