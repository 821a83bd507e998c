package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameSize matches the 1024 byte reads plates have always used.
const DefaultMaxFrameSize = 1024

var ErrFrameTooLong = errors.New("frame exceeds maximum size")

// FrameReader splits a byte stream into newline-terminated frames of bounded size.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	// Room for a "\r\n" terminator.
	return &FrameReader{r: bufio.NewReaderSize(r, maxSize+2), max: maxSize}
}

// ReadFrame returns the next frame without its line terminator.
//
// A frame longer than the limit is consumed up to its newline and reported as
// ErrFrameTooLong, so the caller can answer it and keep reading. A final frame
// without newline is returned before io.EOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	line, err := f.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = f.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLong
	}
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > f.max {
		return nil, ErrFrameTooLong
	}
	return clone(line), nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// AppendFrame appends payload followed by the frame terminator.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, payload...)
	return append(dst, '\n')
}
