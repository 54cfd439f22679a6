package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

// Decoder splits an arbitrarily chunked byte stream into frames.
//
// Bytes are handed in with Feed in whatever pieces the transport delivers;
// Next yields one complete frame payload at a time. Once a length prefix
// above the limit is seen the decoder fails permanently.
type Decoder struct {
	maxFrame int
	buf      []byte
	err      error
}

// NewDecoder returns a decoder rejecting frames larger than maxFrame bytes.
// A non-positive maxFrame selects DefaultMaxFrameSize.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends received bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame payload, ErrNeedMore if one is not
// yet buffered, or ErrFrameTooLarge. The returned slice is owned by the caller.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(d.buf[:HeaderSize])
	if uint64(length) > uint64(d.maxFrame) {
		d.err = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		d.buf = nil
		return nil, d.err
	}
	end := HeaderSize + int(length)
	if len(d.buf) < end {
		return nil, ErrNeedMore
	}
	frame := make([]byte, length)
	copy(frame, d.buf[HeaderSize:end])

	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return frame, nil
}

// Reader produces decoded messages lazily from a byte stream.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
	err   error // first error returned by r, surfaced once buffered frames drain
}

// NewReader wraps r. Frames above maxFrame bytes fail with ErrFrameTooLarge.
func NewReader(r io.Reader, maxFrame int) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(maxFrame),
		chunk: make([]byte, readChunk),
	}
}

// NextFrame blocks until a complete frame payload is available.
// io.EOF is returned only on a clean frame boundary; a stream ending
// mid-frame yields io.ErrUnexpectedEOF.
func (fr *Reader) NextFrame() ([]byte, error) {
	for {
		frame, err := fr.dec.Next()
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return nil, err
		}
		if fr.err != nil {
			if errors.Is(fr.err, io.EOF) && fr.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fr.err
		}
		n, rerr := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.dec.Feed(fr.chunk[:n])
		}
		if rerr != nil {
			fr.err = rerr
		}
	}
}

// Next blocks until a complete message is decoded.
func (fr *Reader) Next() (pb.Message, error) {
	frame, err := fr.NextFrame()
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}
