package tts

import (
	"encoding/binary"
	"io"
)

// writeWAVHeader writes a 44-byte WAV header for 16-bit mono PCM.
func writeWAVHeader(w io.Writer, sampleRate, dataSize int) error {
	header := []any{
		[]byte("RIFF"), uint32(36 + dataSize), []byte("WAVE"),
		[]byte("fmt "), uint32(16),
		uint16(1), // PCM
		uint16(1), // mono
		uint32(sampleRate),
		uint32(sampleRate * 2), // byte rate
		uint16(2),              // block align
		uint16(16),             // bits per sample
		[]byte("data"), uint32(dataSize),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}
