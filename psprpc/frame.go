// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"encoding/binary"
	"io"
)

// Frame constants.
const (
	// FrameHeaderSize is the size of the length prefix in bytes.
	FrameHeaderSize = 4

	// MaxFrameSize is the largest envelope a frame may carry (64 MiB).
	MaxFrameSize = 64 << 20
)

// Frames carry one envelope each on byte-stream transports.
//
// Wire format:
//
//	┌───────────────────────────────┬──────────────────────────┐
//	│ Payload Length                │ Envelope bytes           │
//	│ (4 bytes, big-endian)         │ (Arrow IPC stream)       │
//	└───────────────────────────────┴──────────────────────────┘

// WriteFrame writes one length-prefixed envelope.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, FrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[FrameHeaderSize:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed envelope. It returns io.EOF when the
// reader ends cleanly between frames and io.ErrUnexpectedEOF when it ends
// inside one.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return payload, nil
}
