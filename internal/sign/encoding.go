package sign

import "encoding/binary"

// leWriter builds the little-endian, u32 length-prefixed structures used by
// the APK signature schemes.
type leWriter struct {
	b []byte
}

func (w *leWriter) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }

func (w *leWriter) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *leWriter) raw(p []byte) { w.b = append(w.b, p...) }

// bytes writes p with a u32 length prefix.
func (w *leWriter) bytes(p []byte) {
	w.u32(uint32(len(p)))
	w.raw(p)
}

// nested writes the output of fn with a u32 length prefix.
func (w *leWriter) nested(fn func(*leWriter)) {
	var inner leWriter
	fn(&inner)
	w.bytes(inner.b)
}

// sequence writes a length-prefixed sequence of length-prefixed items.
func (w *leWriter) sequence(items [][]byte) {
	w.nested(func(s *leWriter) {
		for _, it := range items {
			s.bytes(it)
		}
	})
}
