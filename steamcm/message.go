package steamcm

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// packet is a decoded CM message. The WebSocket transport carries protobuf
// framing only:
//
//	[EMsg | 0x80000000 : uint32 LE][header_len : uint32 LE][header][body]
type packet struct {
	EMsg   EMsg
	Header *protoHeader
	Body   []byte
}

func encodePacket(p *packet) []byte {
	hdr := p.Header
	if hdr == nil {
		hdr = newProtoHeader()
	}
	hdrBytes := hdr.encode()

	buf := make([]byte, 4+4+len(hdrBytes)+len(p.Body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.EMsg)|ProtoMask)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(hdrBytes)))
	copy(buf[8:], hdrBytes)
	copy(buf[8+len(hdrBytes):], p.Body)
	return buf
}

func decodePacket(data []byte) (*packet, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("packet too short: %d bytes", len(data))
	}

	rawEMsg := binary.LittleEndian.Uint32(data[0:4])
	if rawEMsg&ProtoMask == 0 {
		return nil, fmt.Errorf("non-protobuf packet: emsg=%d", rawEMsg)
	}

	hdrLen := binary.LittleEndian.Uint32(data[4:8])
	if uint32(len(data)) < 8+hdrLen {
		return nil, fmt.Errorf("packet truncated: need %d header bytes, have %d", hdrLen, len(data)-8)
	}

	hdr, err := decodeProtoHeader(data[8 : 8+hdrLen])
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	return &packet{
		EMsg:   EMsg(rawEMsg &^ ProtoMask),
		Header: hdr,
		Body:   data[8+hdrLen:],
	}, nil
}

// decodeMulti handles EMsgMulti: optionally gzip-decompresses the body,
// then splits the concatenated [uint32 LE size][message] entries.
func decodeMulti(body []byte, sizeUnzipped uint32) ([]*packet, error) {
	var reader io.Reader = bytes.NewReader(body)

	if sizeUnzipped > 0 {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip open: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var packets []*packet
	var sizeBuf [4]byte

	for {
		_, err := io.ReadFull(reader, sizeBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sub-message size: %w", err)
		}

		subSize := binary.LittleEndian.Uint32(sizeBuf[:])
		subData := make([]byte, subSize)
		if _, err := io.ReadFull(reader, subData); err != nil {
			return nil, fmt.Errorf("read sub-message body: %w", err)
		}

		pkt, err := decodePacket(subData)
		if err != nil {
			return nil, fmt.Errorf("decode sub-message: %w", err)
		}
		packets = append(packets, pkt)
	}

	return packets, nil
}
