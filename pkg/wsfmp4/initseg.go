package wsfmp4

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"
)

// maxBoxSize rejects absurd box headers before they make us buffer the
// whole stream.
const maxBoxSize = 50 << 20

// initCapture splits a fragmented-MP4 byte stream into its init segment
// (everything through the moov box) and the media that follows. The encoder
// emits ftyp and moov first; fragments after that pass straight through.
type initCapture struct {
	buf     []byte
	offset  int
	segment []byte
	done    bool
}

// feed consumes one chunk of encoder output. While the init segment is
// still being captured it returns nil; once the moov box completes (or the
// stream turns out to be unparseable) it returns the first media bytes, and
// every later chunk is returned unchanged.
func (c *initCapture) feed(chunk []byte) []byte {
	if c.done {
		return chunk
	}
	c.buf = append(c.buf, chunk...)

	for {
		remaining := c.buf[c.offset:]
		if len(remaining) < 8 {
			return nil
		}

		size := uint64(binary.BigEndian.Uint32(remaining[:4]))
		boxType := string(remaining[4:8])
		headerLen := uint64(8)
		if size == 1 {
			if len(remaining) < 16 {
				return nil
			}
			size = binary.BigEndian.Uint64(remaining[8:16])
			headerLen = 16
		}

		if size == 0 {
			// "Box extends to end of file" never happens mid live stream.
			log.Warn().Str("box", boxType).Msg("open-ended mp4 box in live stream, passing bytes through as media")
			return c.abort()
		}
		if size < headerLen || size > maxBoxSize {
			log.Warn().Str("box", boxType).Uint64("size", size).Msg("implausible mp4 box size, passing bytes through as media")
			return c.abort()
		}
		if uint64(len(remaining)) < size {
			return nil
		}

		c.offset += int(size)
		if boxType == "moov" {
			c.done = true
			c.segment = append([]byte(nil), c.buf[:c.offset]...)
			media := append([]byte(nil), c.buf[c.offset:]...)
			c.buf = nil
			return media
		}
	}
}

// abort gives up on capturing an init segment and flushes everything
// buffered as media.
func (c *initCapture) abort() []byte {
	c.done = true
	out := c.buf
	c.buf = nil
	return out
}
