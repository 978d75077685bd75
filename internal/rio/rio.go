// Package rio provides robust byte-stream primitives for raw connections:
// full-length reads and writes, and bounded buffered line reads.
//
// Interrupted system calls are retried transparently. Every other error is
// returned to the caller as fatal for the stream.
package rio

import (
	"errors"
	"io"
	"syscall"
)

// DefaultBufferSize is the internal buffer size of a Reader created with size <= 0.
const DefaultBufferSize = 8192

// maxEmptyReads bounds retries of reads that return (0, nil).
const maxEmptyReads = 100

func interrupted(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// ReadFull reads exactly len(p) bytes from r. It returns fewer bytes only when
// the stream ends first: io.EOF if nothing was read, io.ErrUnexpectedEOF otherwise.
func ReadFull(r io.Reader, p []byte) (int, error) {
	n := 0
	empty := 0
	for n < len(p) {
		m, err := r.Read(p[n:])
		n += m
		switch {
		case err == nil:
			if m == 0 {
				empty++
				if empty >= maxEmptyReads {
					return n, io.ErrNoProgress
				}
			}
		case interrupted(err):
		case errors.Is(err, io.EOF):
			if n == len(p) {
				return n, nil
			}
			if n == 0 {
				return 0, io.EOF
			}
			return n, io.ErrUnexpectedEOF
		default:
			return n, err
		}
	}
	return n, nil
}

// WriteFull writes all of p to w, resuming after partial and interrupted writes.
func WriteFull(w io.Writer, p []byte) (int, error) {
	n := 0
	empty := 0
	for n < len(p) {
		m, err := w.Write(p[n:])
		n += m
		if err != nil && !interrupted(err) {
			return n, err
		}
		if m == 0 && err == nil {
			empty++
			if empty >= maxEmptyReads {
				return n, io.ErrShortWrite
			}
		}
	}
	return n, nil
}

// Reader is a buffered reader bound to one stream. Lines and raw bytes may be
// read from it interchangeably without losing buffered data.
type Reader struct {
	src  io.Reader
	buf  []byte
	r, w int
	err  error
}

// NewReader returns a Reader over src with an internal buffer of size bytes.
func NewReader(src io.Reader, size int) *Reader {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Reader{src: src, buf: make([]byte, size)}
}

// Buffered returns the number of bytes held in the internal buffer.
func (b *Reader) Buffered() int { return b.w - b.r }

// fill reads at least one byte into an empty buffer, retrying interrupts.
func (b *Reader) fill() error {
	if b.err != nil {
		return b.err
	}
	b.r, b.w = 0, 0
	for empty := 0; empty < maxEmptyReads; {
		n, err := b.src.Read(b.buf)
		b.w = n
		if n > 0 {
			if err != nil && !interrupted(err) {
				b.err = err
			}
			return nil
		}
		switch {
		case err == nil:
			empty++
		case interrupted(err):
		default:
			b.err = err
			return err
		}
	}
	b.err = io.ErrNoProgress
	return b.err
}

// Read reads up to len(p) bytes, serving buffered data first.
func (b *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.r == b.w {
		// Large reads bypass the buffer.
		if len(p) >= len(b.buf) && b.err == nil {
			for {
				n, err := b.src.Read(p)
				if err != nil && interrupted(err) {
					if n > 0 {
						return n, nil
					}
					continue
				}
				if err != nil {
					b.err = err
				}
				return n, err
			}
		}
		if err := b.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// ReadFull reads exactly len(p) bytes from the stream. See the package-level ReadFull.
func (b *Reader) ReadFull(p []byte) (int, error) {
	return ReadFull(b, p)
}

// ReadLine accumulates bytes until a line feed (included), end of stream, or
// maxLen-1 bytes, whichever comes first. It returns io.EOF with no data only
// when the stream ends before any byte is read. A line that ends with the
// stream is returned without error; the following call reports io.EOF.
func (b *Reader) ReadLine(maxLen int) ([]byte, error) {
	limit := maxLen - 1
	if limit < 1 {
		limit = 1
	}
	var line []byte
	for len(line) < limit {
		if b.r == b.w {
			if err := b.fill(); err != nil {
				if errors.Is(err, io.EOF) && len(line) > 0 {
					return line, nil
				}
				return line, err
			}
		}
		chunk := b.buf[b.r:b.w]
		if room := limit - len(line); len(chunk) > room {
			chunk = chunk[:room]
		}
		for i, c := range chunk {
			if c == '\n' {
				line = append(line, chunk[:i+1]...)
				b.r += i + 1
				return line, nil
			}
		}
		line = append(line, chunk...)
		b.r += len(chunk)
	}
	return line, nil
}
