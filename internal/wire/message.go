// Package wire implements the length-prefixed, bounded, little-endian
// framing used between a node and the switch's broker, and the node-side
// client built on top of it.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds the payload bytes a single message may declare.
// Frames exceeding it are rejected at decode time without being fully read.
const MaxMessageSize = 64 * 1024

// Tag discriminates the IpcMessage cases described in the data model.
type Tag uint8

const (
	TagBroadcastOneSend Tag = iota
	TagBroadcastOneRecv
	TagBroadcastOneWait
	TagBroadcastAllSend
	TagBroadcastAllRecv
)

func (t Tag) String() string {
	switch t {
	case TagBroadcastOneSend:
		return "BroadcastOneSend"
	case TagBroadcastOneRecv:
		return "BroadcastOneReceive"
	case TagBroadcastOneWait:
		return "BroadcastOneWait"
	case TagBroadcastAllSend:
		return "BroadcastAllSend"
	case TagBroadcastAllRecv:
		return "BroadcastAllReceive"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Message is the tagged union described by the data model's IpcMessage.
// Only the fields relevant to Tag are populated: Payload for
// BroadcastOneSend/BroadcastAllSend, Payloads for BroadcastAllReceive.
// BroadcastOneReceive and BroadcastOneWait carry no data.
type Message struct {
	Tag      Tag
	Payload  []byte
	Payloads [][]byte
}

// Encode writes the deterministic little-endian binary record for m,
// prefixed with its total length, to w. It flushes nothing; callers that
// wrap w in a *bufio.Writer must flush themselves.
func Encode(w io.Writer, m Message) error {
	body, err := encodeBody(m)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

func encodeBody(m Message) ([]byte, error) {
	switch m.Tag {
	case TagBroadcastOneSend, TagBroadcastAllSend:
		if len(m.Payload) > MaxMessageSize {
			return nil, fmt.Errorf("encode %s: payload of %d bytes exceeds the %d byte limit",
				m.Tag, len(m.Payload), MaxMessageSize)
		}

		buf := make([]byte, 1+4+len(m.Payload))
		buf[0] = byte(m.Tag)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(m.Payload)))
		copy(buf[5:], m.Payload)
		return buf, nil
	case TagBroadcastOneRecv, TagBroadcastOneWait:
		return []byte{byte(m.Tag)}, nil
	case TagBroadcastAllRecv:
		buf := []byte{byte(m.Tag)}
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(m.Payloads)))
		buf = append(buf, countBuf[:]...)
		for _, p := range m.Payloads {
			if len(p) > MaxMessageSize {
				return nil, fmt.Errorf("encode %s: payload of %d bytes exceeds the %d byte limit",
					m.Tag, len(p), MaxMessageSize)
			}

			var szBuf [4]byte
			binary.LittleEndian.PutUint32(szBuf[:], uint32(len(p)))
			buf = append(buf, szBuf[:]...)
			buf = append(buf, p...)
		}

		return buf, nil
	default:
		return nil, fmt.Errorf("encode: unknown tag %d", uint8(m.Tag))
	}
}

// Decode reads one length-prefixed frame from r and parses it into a
// Message. It refills r's buffer as needed; r must be a *bufio.Reader so
// that a short read can be retried without losing already-buffered bytes.
func Decode(r *bufio.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return Message{}, fmt.Errorf("decode: empty frame")
	}

	if frameLen > MaxMessageSize+9 {
		// Reject before allocating or reading the (possibly huge) body.
		return Message{}, fmt.Errorf("decode: frame of %d bytes exceeds the %d byte limit",
			frameLen, MaxMessageSize)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("decode frame body: %w", err)
	}

	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	if len(body) < 1 {
		return Message{}, fmt.Errorf("decode: frame too short for a tag")
	}

	tag := Tag(body[0])
	rest := body[1:]
	switch tag {
	case TagBroadcastOneSend, TagBroadcastAllSend:
		if len(rest) < 4 {
			return Message{}, fmt.Errorf("decode %s: missing length prefix", tag)
		}

		n := binary.LittleEndian.Uint32(rest[:4])
		if n > MaxMessageSize {
			return Message{}, fmt.Errorf("decode %s: payload of %d bytes exceeds the %d byte limit", tag, n, MaxMessageSize)
		}

		if uint32(len(rest)-4) != n {
			return Message{}, fmt.Errorf("decode %s: length mismatch", tag)
		}

		payload := make([]byte, n)
		copy(payload, rest[4:])
		return Message{Tag: tag, Payload: payload}, nil
	case TagBroadcastOneRecv, TagBroadcastOneWait:
		return Message{Tag: tag}, nil
	case TagBroadcastAllRecv:
		if len(rest) < 4 {
			return Message{}, fmt.Errorf("decode %s: missing count", tag)
		}

		count := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		payloads := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("decode %s: truncated payload %d", tag, i)
			}

			n := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
			if n > MaxMessageSize {
				return Message{}, fmt.Errorf("decode %s: payload %d of %d bytes exceeds the %d byte limit", tag, i, n, MaxMessageSize)
			}

			if uint32(len(rest)) < n {
				return Message{}, fmt.Errorf("decode %s: truncated payload %d body", tag, i)
			}

			p := make([]byte, n)
			copy(p, rest[:n])
			payloads = append(payloads, p)
			rest = rest[n:]
		}

		return Message{Tag: tag, Payloads: payloads}, nil
	default:
		return Message{}, fmt.Errorf("decode: unknown tag %d", uint8(tag))
	}
}
