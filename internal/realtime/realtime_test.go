package realtime

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameThenReadAckRoundTrips(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	effectID := uuid.New()
	done := make(chan error, 1)
	go func() {
		done <- writeFrame(clientConn, TypeSideEffectPublish, effectID, []byte(`{"hello":"world"}`))
	}()

	// Read the raw frame on the server side to verify the header layout,
	// then reply with a success ack.
	var lenBuf [4]byte
	_, err := readFull(serverConn, lenBuf[:])
	require.NoError(t, err)
	length := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, length)
	_, err = readFull(serverConn, body)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, TypeSideEffectPublish, body[0])
	var gotID uuid.UUID
	copy(gotID[:], body[4:20])
	assert.Equal(t, effectID, gotID)
	payloadLen := binary.LittleEndian.Uint32(body[20:24])
	assert.Equal(t, `{"hello":"world"}`, string(body[24:24+payloadLen]))

	// Build and send a success ack frame referencing the same effect id.
	ackBody := make([]byte, 24+4)
	ackBody[0] = TypePublishAck
	ackBody[1] = StatusSuccess
	copy(ackBody[4:20], effectID[:])
	// payload_len (unused for acks) left zero; error_len also zero.
	ackFull := make([]byte, 4+len(ackBody))
	binary.LittleEndian.PutUint32(ackFull[0:4], uint32(len(ackBody)))
	copy(ackFull[4:], ackBody)

	writeDone := make(chan error, 1)
	go func() {
		_, err := serverConn.Write(ackFull)
		writeDone <- err
	}()

	ack, err := readAck(clientConn)
	require.NoError(t, err)
	require.NoError(t, <-writeDone)
	assert.Equal(t, effectID, ack.EffectID)
	assert.True(t, ack.Success)
	assert.Empty(t, ack.Error)
}

func TestReadAckParsesFailureMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	effectID := uuid.New()
	errMsg := "quota exceeded"
	ackBody := make([]byte, 24+4+len(errMsg))
	ackBody[0] = TypePublishAck
	ackBody[1] = StatusFailed
	copy(ackBody[4:20], effectID[:])
	binary.LittleEndian.PutUint32(ackBody[24:28], uint32(len(errMsg)))
	copy(ackBody[28:], errMsg)

	full := make([]byte, 4+len(ackBody))
	binary.LittleEndian.PutUint32(full[0:4], uint32(len(ackBody)))
	copy(full[4:], ackBody)

	go func() { _, _ = serverConn.Write(full) }()

	ack, err := readAck(clientConn)
	require.NoError(t, err)
	assert.False(t, ack.Success)
	assert.Equal(t, errMsg, ack.Error)
}

func TestClientPublishRetriesThenSucceeds(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "realtime.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	var attempts int
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			attempts++
			if attempts == 1 {
				conn.Close() // first attempt: simulate a transport failure
				continue
			}
			go serveOneAck(conn, StatusSuccess, "")
		}
	}()

	c := NewClient(Config{SocketPath: sockPath, BackoffBase: time.Millisecond})
	defer c.Close()

	err = c.Publish("session:abc:conversation", "conversation.message.v1", map[string]string{"k": "v"})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

func serveOneAck(conn net.Conn, status byte, errMsg string) {
	defer conn.Close()
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, length)
	if _, err := readFull(conn, body); err != nil {
		return
	}
	var effectID uuid.UUID
	copy(effectID[:], body[4:20])

	ackBody := make([]byte, 24+4+len(errMsg))
	ackBody[0] = TypePublishAck
	ackBody[1] = status
	copy(ackBody[4:20], effectID[:])
	binary.LittleEndian.PutUint32(ackBody[24:28], uint32(len(errMsg)))
	copy(ackBody[28:], errMsg)

	full := make([]byte, 4+len(ackBody))
	binary.LittleEndian.PutUint32(full[0:4], uint32(len(ackBody)))
	copy(full[4:], ackBody)
	_, _ = conn.Write(full)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
