package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxMessageLength = 1 << 20

func writeFrame(w io.Writer, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: encode: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write length prefix: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("control: write body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("control: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxMessageLength {
		return fmt.Errorf("control: implausible message length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("control: read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("control: decode: %w", err)
	}
	return nil
}

func encodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("control: encode payload: %w", err)
	}
	return raw, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("control: decode payload: %w", err)
	}
	return nil
}
