package obd

import (
	"bytes"
	"errors"
	"strings"

	"github.com/smallnest/ringbuffer"
)

// Prompt is the byte an ELM327 prints when it is ready for the next command.
const Prompt = '>'

// DefaultStreamBufferSize holds the longest multi-frame answer an adapter
// produces with headers off (VIN, freeze frames) with room to spare.
const DefaultStreamBufferSize = 4096

// StreamReader reassembles the adapter's output from notification chunks. BLE
// delivers it in 20-byte pieces with no alignment to lines, so bytes accumulate
// in a ring until the prompt arrives.
//
// StreamReader is not safe for concurrent use.
type StreamReader struct {
	buf      *ringbuffer.RingBuffer
	overflow bool // discarding until the next prompt
}

func NewStreamReader(size int) *StreamReader {
	if size <= 0 {
		size = DefaultStreamBufferSize
	}
	return &StreamReader{buf: ringbuffer.New(size)}
}

// Feed consumes one chunk and returns every response completed by it, without
// the prompt. A frame longer than the buffer is dropped whole and reported as
// ErrFrameTooLong; frames completed in the same chunk are still returned.
func (r *StreamReader) Feed(chunk []byte) ([]string, error) {
	var (
		frames []string
		err    error
	)
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, Prompt)
		seg := chunk
		if idx >= 0 {
			seg = chunk[:idx]
		}

		if !r.overflow && len(seg) > 0 {
			if len(seg) > r.buf.Free() {
				r.buf.Reset()
				r.overflow = true
				err = ErrFrameTooLong
			} else if _, werr := r.buf.Write(seg); werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				return frames, werr
			}
		}

		if idx < 0 {
			break
		}
		if r.overflow {
			r.overflow = false
		} else if frame := r.drain(); frame != "" {
			frames = append(frames, frame)
		}
		chunk = chunk[idx+1:]
	}
	return frames, err
}

// Pending reports how many bytes are buffered without a prompt yet.
func (r *StreamReader) Pending() int {
	return r.buf.Length()
}

// Reset drops any partial frame.
func (r *StreamReader) Reset() {
	r.buf.Reset()
	r.overflow = false
}

func (r *StreamReader) drain() string {
	n := r.buf.Length()
	if n == 0 {
		return ""
	}
	data := make([]byte, n)
	n, err := r.buf.TryRead(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data[:n]), "\x00", ""))
}
