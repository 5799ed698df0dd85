package realtime

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestListener(t *testing.T, handler CommandHandler) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "commands.sock")
	l := NewListener(sockPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)
	return sockPath
}

func TestListenerDeliversCommandAndAcks(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	sockPath := startTestListener(t, func(_ context.Context, payload []byte) error {
		mu.Lock()
		received = append(received, append([]byte(nil), payload...))
		mu.Unlock()
		return nil
	})

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	effectID := uuid.New()
	require.NoError(t, writeFrame(conn, TypeCommandDeliver, effectID, []byte(`{"command_type":"message.send.v1"}`)))

	f, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, TypeCommandAck, f.Type)
	assert.Equal(t, effectID, f.EffectID)
	assert.Equal(t, StatusSuccess, f.Flags)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.JSONEq(t, `{"command_type":"message.send.v1"}`, string(received[0]))
}

func TestListenerReportsHandlerErrorInAck(t *testing.T) {
	sockPath := startTestListener(t, func(context.Context, []byte) error {
		return errors.New("no authenticated user")
	})

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	effectID := uuid.New()
	require.NoError(t, writeFrame(conn, TypeCommandDeliver, effectID, []byte(`{}`)))

	// The ack's error text rides behind the 24-byte header with its own
	// length prefix, same as publish_ack.
	var lenBuf [4]byte
	_, err = readFull(conn, lenBuf[:])
	require.NoError(t, err)
	body := make([]byte, leUint32(lenBuf[:]))
	_, err = readFull(conn, body)
	require.NoError(t, err)

	assert.Equal(t, TypeCommandAck, body[0])
	assert.Equal(t, StatusFailed, body[1])
	errLen := leUint32(body[24:28])
	assert.Equal(t, "no authenticated user", string(body[28:28+errLen]))
}

func TestListenerDropsConnectionOnUnexpectedFrameType(t *testing.T) {
	sockPath := startTestListener(t, func(context.Context, []byte) error { return nil })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, TypeSideEffectPublish, uuid.New(), []byte(`{}`)))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "a protocol violation must close the connection without an ack")
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
