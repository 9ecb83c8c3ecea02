/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memdx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed size, in bytes, of every request/response header.
const HeaderLen = 24

var (
	ErrShortPacket  = errors.New("memdx: packet shorter than header length")
	ErrBadMagic     = errors.New("memdx: unrecognized packet magic")
	ErrBadBodyLen   = errors.New("memdx: declared body length exceeds packet")
)

// Packet is a single request or response frame: the 24-byte header fields
// plus the extras|key|value body, per spec §4.4.
type Packet struct {
	Magic    Magic
	Command  OpCode
	Datatype uint8

	// Status is only meaningful on a response packet.
	Status StatusCode
	// VBucket is only meaningful on a request packet; it is the partition
	// id that the client stamps on every request.
	VBucket uint16

	Opaque uint32
	CAS    uint64

	Extras []byte
	Key    []byte
	Value  []byte
}

// Encode serializes the packet into wire format.
func (p *Packet) Encode() []byte {
	totalBody := len(p.Extras) + len(p.Key) + len(p.Value)
	buf := make([]byte, HeaderLen+totalBody)

	buf[0] = byte(p.Magic)
	buf[1] = byte(p.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Key)))
	buf[4] = byte(len(p.Extras))
	buf[5] = p.Datatype

	switch p.Magic {
	case MagicReq:
		binary.BigEndian.PutUint16(buf[6:8], p.VBucket)
	default:
		binary.BigEndian.PutUint16(buf[6:8], uint16(p.Status))
	}

	binary.BigEndian.PutUint32(buf[8:12], uint32(totalBody))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.CAS)

	n := HeaderLen
	n += copy(buf[n:], p.Extras)
	n += copy(buf[n:], p.Key)
	copy(buf[n:], p.Value)

	return buf
}

// Decode parses a single packet out of buf, which must contain at least a
// full header and body (use ReadBodyLen on a header read from a stream to
// determine how many bytes to read first).
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, ErrShortPacket
	}

	magic := Magic(buf[0])
	if magic != MagicReq && magic != MagicRes {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadMagic, buf[0])
	}

	keyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	extrasLen := int(buf[4])
	totalBody := int(binary.BigEndian.Uint32(buf[8:12]))
	valueLen := totalBody - keyLen - extrasLen

	if valueLen < 0 || HeaderLen+totalBody > len(buf) {
		return nil, ErrBadBodyLen
	}

	p := &Packet{
		Magic:    magic,
		Command:  OpCode(buf[1]),
		Datatype: buf[5],
		Opaque:   binary.BigEndian.Uint32(buf[12:16]),
		CAS:      binary.BigEndian.Uint64(buf[16:24]),
	}

	if magic == MagicReq {
		p.VBucket = binary.BigEndian.Uint16(buf[6:8])
	} else {
		p.Status = StatusCode(binary.BigEndian.Uint16(buf[6:8]))
	}

	body := buf[HeaderLen : HeaderLen+totalBody]
	if extrasLen > 0 {
		p.Extras = body[:extrasLen]
	}
	if keyLen > 0 {
		p.Key = body[extrasLen : extrasLen+keyLen]
	}
	if valueLen > 0 {
		p.Value = body[extrasLen+keyLen:]
	}

	return p, nil
}

// ReadBodyLen checks the magic byte of a header the caller has already
// read into hdr and returns the total body length the header declares.
func ReadBodyLen(hdr [HeaderLen]byte) (int, error) {
	magic := Magic(hdr[0])
	if magic != MagicReq && magic != MagicRes {
		return 0, fmt.Errorf("%w: 0x%02x", ErrBadMagic, hdr[0])
	}
	return int(binary.BigEndian.Uint32(hdr[8:12])), nil
}

// ReadPacket reads one complete frame from r: a fixed 24-byte header
// followed by its declared body.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	bodyLen, err := ReadBodyLen(hdr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderLen+bodyLen)
	copy(buf, hdr[:])
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
			return nil, err
		}
	}

	return Decode(buf)
}

// WritePacket serializes and writes a single frame to w.
func WritePacket(w io.Writer, p *Packet) error {
	_, err := w.Write(p.Encode())
	return err
}
