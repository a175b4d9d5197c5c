package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Frames announcing a larger payload are
// rejected before any allocation, which keeps a corrupt or hostile length
// prefix from exhausting memory.
const MaxFrameSize = 16 << 20

// WriteFrame writes payload with a 32-bit big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unwrapped on
// a clean close between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage marshals and writes one envelope.
func WriteMessage(w io.Writer, m *BrokerMessage) error {
	return WriteFrame(w, m.Marshal())
}

// ReadMessage reads and decodes one envelope.
func ReadMessage(r io.Reader) (*BrokerMessage, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	m := new(BrokerMessage)
	if err := m.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode broker message: %w", err)
	}
	return m, nil
}
