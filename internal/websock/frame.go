package websock

import "encoding/binary"

// appendFrameHeader appends a server frame header to dst. Server frames are never masked.
func appendFrameHeader(dst []byte, b0 byte, n int) []byte {
	dst = append(dst, b0)
	switch {
	case n > 0xFFFF:
		var ext [9]byte
		ext[0] = len64Code
		// only the low 32 bits of the 64 bit length are ever used
		binary.BigEndian.PutUint32(ext[5:], uint32(n))
		dst = append(dst, ext[:]...)
	case n > maxControlPayload:
		var ext [3]byte
		ext[0] = len16Code
		binary.BigEndian.PutUint16(ext[1:], uint16(n))
		dst = append(dst, ext[:]...)
	default:
		dst = append(dst, byte(n))
	}
	return dst
}

// writeFrame must be called with the transport lock held
func writeFrame(conn HTTPConn, b0 byte, payload []byte) error {
	var buf [maxHeaderLen]byte
	conn.Send(appendFrameHeader(buf[:0], b0, len(payload)))
	if len(payload) != 0 {
		conn.Send(payload)
	}
	return conn.Flush()
}

// maskBytes XORs b in place with key, starting at key position pos. It returns the position to continue from, so
// a payload may be unmasked over several calls.
func maskBytes(key [4]byte, pos uint32, b []byte) uint32 {
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos
}
