package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types for the per-bi-stream wire protocol, sent as the first byte
// of every stream opened over a TunnelConnection.
const (
	MsgProxy     byte = 'p' // 0x70
	MsgLog       byte = 'l' // 0x6c
	MsgHeartbeat byte = 'h' // 0x68
)

// Proxy sub-protocol bytes, following MsgProxy.
const (
	ProxyProtoTCP byte = 't'
	ProxyProtoUDP byte = 'u'
)

// MaxTargetAddrLen bounds the 2-byte length-prefixed target address.
const MaxTargetAddrLen = 1<<16 - 1

// WriteProxyHeader writes a proxy-stream header: message type, protocol
// byte, and the length-prefixed dial target.
func WriteProxyHeader(w io.Writer, proto byte, target string) error {
	if len(target) > MaxTargetAddrLen {
		return fmt.Errorf("tunnel: target address too long: %d bytes", len(target))
	}
	buf := make([]byte, 4+len(target))
	buf[0] = MsgProxy
	buf[1] = proto
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(target)))
	copy(buf[4:], target)
	_, err := w.Write(buf)
	return err
}

// ReadProxyAddr reads the protocol byte and target address that follow an
// already-consumed MsgProxy type byte.
func ReadProxyAddr(r io.Reader) (proto byte, target string, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", err
	}
	proto = hdr[0]
	length := binary.BigEndian.Uint16(hdr[1:3])
	buf := make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, buf); err != nil {
			return 0, "", err
		}
	}
	return proto, string(buf), nil
}

// WriteAuthToken writes the Client-to-Node authentication payload carried
// on a fresh uni-stream: {len: u16 BE, token: utf8}. No message-type byte
// precedes it and no reply is expected.
func WriteAuthToken(w io.Writer, token string) error {
	if len(token) > MaxTargetAddrLen {
		return fmt.Errorf("tunnel: token too long: %d bytes", len(token))
	}
	buf := make([]byte, 2+len(token))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(token)))
	copy(buf[2:], token)
	_, err := w.Write(buf)
	return err
}

// ReadAuthToken reads the Client-to-Node authentication payload.
func ReadAuthToken(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// WriteLogRequest writes a log-request header following an already-written
// MsgLog type byte: a 2-byte big-endian entry count.
func WriteLogRequest(w io.Writer, count uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], count)
	_, err := w.Write(buf[:])
	return err
}

// ReadLogRequest reads the entry count that follows an already-consumed
// MsgLog type byte.
func ReadLogRequest(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteLogResponse writes a 4-byte big-endian length followed by the raw
// JSON payload.
func WriteLogResponse(w io.Writer, jsonPayload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(jsonPayload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(jsonPayload)
	return err
}

// ReadLogResponse reads a length-prefixed JSON payload written by
// WriteLogResponse.
func ReadLogResponse(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
