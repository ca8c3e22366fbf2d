package verify

import (
	"encoding/binary"
	"errors"
)

var errTruncated = errors.New("truncated structure")

// leReader walks little-endian, u32 length-prefixed structures. The first
// short read sticks in err and every later read returns zero values.
type leReader struct {
	b   []byte
	err error
}

func (r *leReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = errTruncated
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *leReader) u8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *leReader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *leReader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (r *leReader) prefixed() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	return r.take(int(n))
}

// items splits a length-prefixed sequence of length-prefixed items.
func (r *leReader) items() [][]byte {
	seq := &leReader{b: r.prefixed()}
	if r.err != nil {
		return nil
	}
	var out [][]byte
	for len(seq.b) > 0 {
		out = append(out, seq.prefixed())
	}
	if seq.err != nil {
		r.err = seq.err
		return nil
	}
	return out
}

func (r *leReader) done() bool { return r.err == nil && len(r.b) == 0 }
