package websock

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

type parseStage uint8

const (
	stageFlags parseStage = iota
	stageLen0
	// 2 or 8 extended length bytes, counted down in frameParser.need
	stageExtLen
	// 4 mask key bytes, counted down in frameParser.need
	stageMask
	stagePayload
)

// frameParser holds the state of the frame currently being received. Bytes may arrive in arbitrarily sized
// pieces, so everything needed to resume mid-header or mid-payload lives here.
type frameParser struct {
	stage parseStage
	need  uint8

	fin    bool
	opcode byte
	masked bool

	extLen uint64
	// declared payload length, truncated to 32 bits
	length    uint32
	remaining uint32

	mask    [4]byte
	maskPos uint32

	// part of this frame's payload has already been dispatched
	cont bool

	// control frame payloads are collected and acted on once complete
	ctlLen int
	ctl    [maxControlPayload]byte
}

// feed consumes one header byte and reports whether the header is now complete
func (p *frameParser) feed(b byte) bool {
	switch p.stage {
	case stageFlags:
		p.fin = b&finBit != 0
		p.opcode = b & opcodeMask
		p.maskPos = 0
		p.cont = false
		p.ctlLen = 0
		p.stage = stageLen0
	case stageLen0:
		p.masked = b&maskedBit != 0
		switch code := b & lengthMask; code {
		case len16Code:
			p.extLen = 0
			p.need = 2
			p.stage = stageExtLen
		case len64Code:
			p.extLen = 0
			p.need = 8
			p.stage = stageExtLen
		default:
			p.setLength(uint32(code))
		}
	case stageExtLen:
		p.extLen = p.extLen<<8 | uint64(b)
		p.need--
		if p.need == 0 {
			p.setLength(uint32(p.extLen))
		}
	case stageMask:
		p.mask[4-p.need] = b
		p.need--
		if p.need == 0 {
			p.stage = stagePayload
		}
	}
	return p.stage == stagePayload
}

func (p *frameParser) setLength(n uint32) {
	p.length = n
	p.remaining = n
	if p.masked {
		p.need = 4
		p.stage = stageMask
	} else {
		p.stage = stagePayload
	}
}

func (p *frameParser) isData() bool {
	return p.opcode == opText || p.opcode == opBinary || p.opcode == opContinuation
}

func (p *frameParser) dataFlags() Flag {
	var flags Flag
	if p.opcode == opBinary {
		flags |= FlagBinary
	}
	if !p.fin {
		flags |= FlagMore
	}
	if p.remaining != 0 {
		flags |= FlagPartial
	}
	return flags
}

// consume runs data through the parser, dispatching frames as they complete. data is unmasked in place. It
// returns true once the session has been closed, by the peer or by a callback, after which the rest of data is
// ignored.
func (s *Session) consume(data []byte) bool {
	p := &s.parser
	for i := 0; i < len(data); {
		if p.stage != stagePayload {
			complete := p.feed(data[i])
			i++
			if !complete {
				continue
			}
			if s.beginFrame() {
				return true
			}
			if p.remaining == 0 && s.endFrame() {
				return true
			}
			continue
		}

		n := len(data) - i
		if uint32(n) > p.remaining {
			n = int(p.remaining)
		}
		chunk := data[i : i+n]
		i += n
		p.remaining -= uint32(n)
		if p.masked {
			p.maskPos = maskBytes(p.mask, p.maskPos, chunk)
		}
		s.payload(chunk)
		if s.IsClosed() {
			// closed by a callback
			return true
		}
		if p.remaining == 0 {
			if s.endFrame() {
				return true
			}
		} else {
			p.cont = true
		}
	}
	return false
}

// beginFrame checks a complete header. It returns true if the frame violates the protocol and the session has
// been closed.
func (s *Session) beginFrame() bool {
	p := &s.parser
	switch {
	case p.isData():
		if !p.masked {
			// we are a server, clients must mask
			log.WithField("session", s.id).Warn("received unmasked data frame")
			s.Close(CloseProtocolError)
			return true
		}
	case p.opcode == opPing || p.opcode == opClose:
		if p.length > maxControlPayload {
			log.WithFields(log.Fields{
				"session": s.id,
				"opcode":  p.opcode,
				"length":  p.length,
			}).Warn("control frame too long")
			s.Close(CloseProtocolError)
			return true
		}
	case p.opcode == opPong:
	default:
		log.Errorf("websocket session %v: unknown opcode 0x%X", s.id, p.opcode)
	}
	return false
}

func (s *Session) payload(chunk []byte) {
	p := &s.parser
	switch {
	case p.isData():
		s.receive(chunk, p.dataFlags())
	case p.opcode == opPing || p.opcode == opClose:
		p.ctlLen += copy(p.ctl[p.ctlLen:], chunk)
	}
}

// endFrame acts on a fully received frame and readies the parser for the next one. It returns true if the frame
// closed the session.
func (s *Session) endFrame() bool {
	p := &s.parser
	p.stage = stageFlags
	switch p.opcode {
	case opText, opBinary, opContinuation:
		if p.length == 0 {
			s.receive([]byte{}, p.dataFlags())
			return s.IsClosed()
		}
	case opPing:
		s.sendControl(opPong, p.ctl[:p.ctlLen])
	case opClose:
		received, echo := CloseNoStatus, CloseNormal
		if p.ctlLen >= 2 {
			received = int(binary.BigEndian.Uint16(p.ctl[:2]))
			echo = received
		}
		log.WithFields(log.Fields{
			"session": s.id,
			"code":    received,
		}).Debug("got close frame")
		s.Close(echo)
		return true
	}
	return false
}

func (s *Session) receive(data []byte, flags Flag) {
	if s.OnReceive != nil {
		s.OnReceive(s, data, flags)
	}
}
