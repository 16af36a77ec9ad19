// Package pcp implements the control-protocol wire format, server, and
// client library: a fixed ToS byte + big-endian
// length + NUL-terminated-string payload, grounded on
// original_source/src/utils/pcp/pcp_stream.c's pcp_read/pcp_write framing.
package pcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// ToS identifies a request or reply frame type.
type ToS byte

const (
	ToSSalt             ToS = 'M'
	ToSSaltReply        ToS = 'm'
	ToSAuth             ToS = 'R'
	ToSAuthReply        ToS = 'r'
	ToSNodeCount        ToS = 'L'
	ToSNodeCountReply   ToS = 'l'
	ToSNodeInfo         ToS = 'I'
	ToSNodeInfoReply    ToS = 'i'
	ToSHealthStats      ToS = 'H'
	ToSHealthStatsReply ToS = 'h'
	ToSProcCount        ToS = 'N'
	ToSProcCountReply   ToS = 'n'
	ToSProcInfo         ToS = 'P'
	ToSProcInfoReply    ToS = 'p'
	ToSWatchdogInfo     ToS = 'W'
	ToSWatchdogReply    ToS = 'w'
	ToSPoolStatus       ToS = 'B'
	ToSPoolStatusReply  ToS = 'b'
	ToSAttach           ToS = 'C'
	ToSAttachReply      ToS = 'c'
	ToSDetachForced     ToS = 'D'
	ToSDetachGraceful   ToS = 'd'
	ToSDetachReply      ToS = 'd'
	ToSPromoteForced    ToS = 'J'
	ToSPromoteGraceful  ToS = 'j'
	ToSPromoteReply     ToS = 'd'
	ToSRecovery         ToS = 'O'
	ToSRecoveryReply    ToS = 'c'
	ToSShutdownLocal    ToS = 'T'
	ToSShutdownCluster  ToS = 't'
	ToSShutdownReply    ToS = 't'
	ToSReload           ToS = 'Z'
	ToSReloadReply      ToS = 'z'
	ToSSetParam         ToS = 'A'
	ToSSetParamReply    ToS = 'a'
	ToSClose            ToS = 'X'
	ToSError            ToS = 'E'
	ToSNotice           ToS = 'N'
	ToSArraySize        ToS = 'S'
	ToSCommandComplete  ToS = 'C'
)

// maxFrameLen bounds a single frame's payload to guard against a malformed
// length field turning into an unbounded allocation.
const maxFrameLen = 1 << 20

// Frame is one ToS+payload unit of the Control Protocol wire format.
type Frame struct {
	ToS     ToS
	Payload []byte
}

// WriteFrame writes tos:1 || length:4-be || payload, where length includes
// itself.
func WriteFrame(w io.Writer, tos ToS, payload []byte) error {
	length := uint32(len(payload) + 4)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = byte(tos)
	binary.BigEndian.PutUint32(buf[1:5], length)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: pcp frame write: %v", poolerr.ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: pcp frame header: %v", poolerr.ErrTransport, err)
	}
	tos := ToS(head[0])
	length := binary.BigEndian.Uint32(head[1:])
	if length < 4 || length-4 > maxFrameLen {
		return Frame{}, fmt.Errorf("%w: pcp frame length %d out of range", poolerr.ErrProtocol, length)
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: pcp frame payload: %v", poolerr.ErrTransport, err)
		}
	}
	return Frame{ToS: tos, Payload: payload}, nil
}

// EncodeStrings joins a sequence of NUL-terminated ASCII strings into one
// payload.
func EncodeStrings(parts ...string) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return []byte(b.String())
}

// DecodeStrings splits a payload of NUL-terminated strings back into parts,
// dropping a single trailing empty element caused by the final NUL.
func DecodeStrings(payload []byte) []string {
	raw := strings.Split(string(payload), "\x00")
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	return raw
}

// ErrorPayload carries the tagged S/M/D (severity/message/detail) fields of
// an error reply, terminated by a zero byte.
type ErrorPayload struct {
	Severity string
	Message  string
	Detail   string
}

// Encode renders the error payload as tag byte + NUL-terminated string,
// repeated, then a trailing zero byte.
func (e ErrorPayload) Encode() []byte {
	var b strings.Builder
	if e.Severity != "" {
		b.WriteByte('S')
		b.WriteString(e.Severity)
		b.WriteByte(0)
	}
	if e.Message != "" {
		b.WriteByte('M')
		b.WriteString(e.Message)
		b.WriteByte(0)
	}
	if e.Detail != "" {
		b.WriteByte('D')
		b.WriteString(e.Detail)
		b.WriteByte(0)
	}
	b.WriteByte(0)
	return []byte(b.String())
}

// DecodeErrorPayload parses the tagged S/M/D fields back out.
func DecodeErrorPayload(payload []byte) ErrorPayload {
	var e ErrorPayload
	i := 0
	for i < len(payload) && payload[i] != 0 {
		tag := payload[i]
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		value := string(payload[start:i])
		i++ // skip the terminating NUL
		switch tag {
		case 'S':
			e.Severity = value
		case 'M':
			e.Message = value
		case 'D':
			e.Detail = value
		}
	}
	return e
}

// ArraySizeFrame builds the "ArraySize\0<n>\0" frame that precedes every
// array reply.
func ArraySizeFrame(n int) []byte {
	return EncodeStrings("ArraySize", fmt.Sprintf("%d", n))
}

// CommandCompleteFrame builds the trailing "CommandComplete\0" frame.
func CommandCompleteFrame() []byte {
	return EncodeStrings("CommandComplete")
}
