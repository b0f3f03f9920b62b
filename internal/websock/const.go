// Package websock implements the server side of RFC 6455 on top of the embedded HTTP host: the upgrade
// handshake, an incremental frame decoder, the frame sender and a bounded registry of live sessions.
package websock

import "errors"

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

/* RFC 6455 sec 5.2
 0                   1                   2                   3
 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
+-+-+-+-+-------+-+-------------+-------------------------------+
|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
|N|V|V|V|       |S|             |   (if payload len==126/127)   |
| |1|2|3|       |K|             |                               |
+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
|     Extended payload length continued, if payload len == 127  |
+ - - - - - - - - - - - - - - - +-------------------------------+
|                               |Masking-key, if MASK set to 1  |
+-------------------------------+-------------------------------+
| Masking-key (continued)       |          Payload Data         |
+-------------------------------- - - - - - - - - - - - - - - - +
*/

const (
	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA
)

const (
	finBit     = 0x80
	opcodeMask = 0x0F
	maskedBit  = 0x80
	lengthMask = 0x7F

	len16Code = 126
	len64Code = 127

	maxControlPayload = 125
	maxHeaderLen      = 10
)

// Close status codes used by the engine
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseNoStatus      = 1005
	CloseTooBig        = 1009
)

// Flag describes a piece of message data, both on receive and on send
type Flag uint8

const (
	// FlagMore is set when the data is not the final fragment of a message
	FlagMore Flag = 1 << iota
	// FlagBinary is set when the message is binary rather than text. On receive it is only meaningful on the
	// first fragment of a message
	FlagBinary
	// FlagCont marks an outgoing frame as a continuation of a fragmented message
	FlagCont
	// FlagPartial is set on receive when the current frame's payload is delivered over several callbacks and more
	// of it follows
	FlagPartial
)

var ErrSessionClosed = errors.New("websocket session is closed")
