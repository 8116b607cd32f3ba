package core

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame to guard against a malformed or
// malicious length prefix exhausting memory (spec.md §4.1 "malformed frame"
// error class).
const maxFrameBytes = 256 * 1024 * 1024 // 256 MiB, comfortably above CHUNK_SIZE

// PeerWire is the wire representation of one entry in a PEER_LIST payload
// (spec.md §6).
type PeerWire struct {
	ID   NodeID
	Host string
	Port int
}

func init() {
	// Concrete types carried inside Message.Payload's map[string]any values
	// must be registered with gob before they can round-trip through an
	// interface. This is the payload-encoding implementation detail spec.md
	// §4.1 leaves open; gob was chosen because, unlike JSON, it natively
	// preserves []byte and survives round-tripping raw chunk data without a
	// base64 detour.
	gob.Register("")
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register([]interface{}(nil))
	gob.Register(map[string]interface{}(nil))
	gob.Register([]PeerWire(nil))
	gob.Register(Block{})
	gob.Register([]Block(nil))
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload
// (spec.md §4.1 "Wire frame").
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting a length prefix
// outside [0, maxFrameBytes].
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("read frame: length %d exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return buf, nil
}

// encodeMessage gob-encodes a Message for framing.
func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeMessage reverses encodeMessage.
func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
