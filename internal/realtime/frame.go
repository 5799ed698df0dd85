// Package realtime implements the framed Unix-socket bridge to the
// co-process that owns the actual realtime pub/sub transport to the
// cloud. The daemon never speaks the cloud's wire protocol directly:
// outbound, it hands the co-process an envelope over this framing and
// waits for one ack frame (Client); inbound, it accepts the
// co-process's connection and receives command frames the same way,
// acking each (Listener).
package realtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Frame types. The daemon writes side_effect_publish and command_ack;
// the co-process writes command_deliver and publish_ack.
const (
	TypeCommandDeliver    byte = 0x01
	TypeCommandAck        byte = 0x02
	TypeSideEffectPublish byte = 0x03
	TypePublishAck        byte = 0x04
)

// Ack status flags.
const (
	StatusSuccess byte = 0x01
	StatusFailed  byte = 0x02
)

// headerLen is the fixed 28-byte frame prefix: the u32 length field
// followed by the 24-byte header (u8 type + u8 flags + u16 reserved +
// u128 effect_id + u32 payload_len).
const headerLen = 4 + 1 + 1 + 2 + 16 + 4

// Header is the fixed portion of every frame.
type Header struct {
	Length     uint32 // total bytes following this field
	Type       byte
	Flags      byte
	EffectID   uuid.UUID
	PayloadLen uint32
}

// Envelope is the JSON body carried inside a side_effect_publish frame.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// ErrShortFrame is returned when fewer bytes than a full frame were read.
var ErrShortFrame = errors.New("realtime: short frame read")

// writeFrame writes a payload-carrying frame (side_effect_publish or
// command_deliver) with the given effectID and JSON payload bytes.
func writeFrame(w io.Writer, frameType byte, effectID uuid.UUID, payload []byte) error {
	body := make([]byte, headerLen-4+len(payload))
	// body starts right after the length field: type, flags, reserved, effect_id, payload_len, payload
	body[0] = frameType
	body[1] = 0 // flags unused on the request side
	binary.LittleEndian.PutUint16(body[2:4], 0)
	copy(body[4:20], effectID[:])
	binary.LittleEndian.PutUint32(body[20:24], uint32(len(payload)))
	copy(body[24:], payload)

	length := uint32(len(body))
	full := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(full[0:4], length)
	copy(full[4:], body)

	_, err := w.Write(full)
	return err
}

// frame is one decoded payload-carrying frame.
type frame struct {
	Type     byte
	Flags    byte
	EffectID uuid.UUID
	Payload  []byte
}

// readFrame reads one payload-carrying frame from r.
func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, fmt.Errorf("realtime: read length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < headerLen-4 {
		return frame{}, ErrShortFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("realtime: read body: %w", err)
	}

	f := frame{Type: body[0], Flags: body[1]}
	copy(f.EffectID[:], body[4:20])
	payloadLen := binary.LittleEndian.Uint32(body[20:24])
	if uint32(len(body)-24) < payloadLen {
		return frame{}, ErrShortFrame
	}
	f.Payload = body[24 : 24+payloadLen]
	return f, nil
}

// writeAck writes an ack frame (publish_ack or command_ack) echoing
// effectID, with the outcome in the flags byte and the error text, if
// any, length-prefixed after the header.
func writeAck(w io.Writer, frameType byte, effectID uuid.UUID, status byte, errText string) error {
	body := make([]byte, headerLen-4+4+len(errText))
	body[0] = frameType
	body[1] = status
	binary.LittleEndian.PutUint16(body[2:4], 0)
	copy(body[4:20], effectID[:])
	// header payload_len stays zero for acks; the error text carries its
	// own length prefix.
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(errText)))
	copy(body[28:], errText)

	full := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(full[0:4], uint32(len(body)))
	copy(full[4:], body)

	_, err := w.Write(full)
	return err
}

// AckFrame is the decoded publish_ack frame.
type AckFrame struct {
	EffectID uuid.UUID
	Success  bool
	Error    string
}

// readAck reads exactly one publish_ack frame from r.
func readAck(r io.Reader) (AckFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return AckFrame{}, fmt.Errorf("realtime: read length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < headerLen-4 {
		return AckFrame{}, ErrShortFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return AckFrame{}, fmt.Errorf("realtime: read body: %w", err)
	}

	frameType := body[0]
	flags := body[1]
	var effectID uuid.UUID
	copy(effectID[:], body[4:20])
	// body[20:24] is the header's payload_len field; publish_ack frames
	// don't use it (the error text has its own length prefix below).

	if frameType != TypePublishAck {
		return AckFrame{}, fmt.Errorf("realtime: unexpected frame type %#x", frameType)
	}

	rest := body[24:]
	if len(rest) < 4 {
		return AckFrame{}, ErrShortFrame
	}
	errLen := binary.LittleEndian.Uint32(rest[0:4])
	if uint32(len(rest)-4) < errLen {
		return AckFrame{}, ErrShortFrame
	}
	errText := ""
	if errLen > 0 {
		errText = string(rest[4 : 4+errLen])
	}

	return AckFrame{
		EffectID: effectID,
		Success:  flags&StatusSuccess != 0,
		Error:    errText,
	}, nil
}
