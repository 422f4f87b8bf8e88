package audio

import (
	"bytes"
	"fmt"
)

// Chunker re-cuts arbitrarily sized client audio frames into fixed-duration
// chunks for the upstream provider. Leftover bytes stay buffered until the
// next frame arrives or Flush is called.
type Chunker struct {
	sampleRate  int
	channels    int
	chunkSizeMs int
	buffer      *bytes.Buffer
	bytesPerMs  int
}

// NewChunker creates a new audio chunker for PCM16 audio
func NewChunker(sampleRate, channels, chunkSizeMs int) *Chunker {
	// PCM16: two bytes per sample
	bytesPerSample := 2
	bytesPerMs := (sampleRate * channels * bytesPerSample) / 1000

	return &Chunker{
		sampleRate:  sampleRate,
		channels:    channels,
		chunkSizeMs: chunkSizeMs,
		buffer:      bytes.NewBuffer(nil),
		bytesPerMs:  bytesPerMs,
	}
}

// Push buffers a client frame and returns all complete chunks now available,
// in order
func (c *Chunker) Push(data []byte) ([][]byte, error) {
	if _, err := c.buffer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}

	chunkSizeBytes := c.chunkSizeMs * c.bytesPerMs

	var chunks [][]byte
	for c.buffer.Len() >= chunkSizeBytes {
		chunk := make([]byte, chunkSizeBytes)
		n, err := c.buffer.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to read from buffer: %w", err)
		}
		if n < chunkSizeBytes {
			chunk = chunk[:n]
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Flush returns whatever partial chunk remains buffered, or nil
func (c *Chunker) Flush() []byte {
	if c.buffer.Len() == 0 {
		return nil
	}
	rest := make([]byte, c.buffer.Len())
	c.buffer.Read(rest)
	return rest
}

// Reset discards any buffered audio
func (c *Chunker) Reset() {
	c.buffer.Reset()
}
