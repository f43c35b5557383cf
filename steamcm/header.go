package steamcm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// noJobID marks an unset job ID field, matching the upstream default.
const noJobID = ^uint64(0)

// protoHeader is the subset of the CM protobuf header the server uses.
// Field numbers follow the upstream schema: steamid(1, fixed64),
// client_sessionid(2), jobid_source(10, fixed64), jobid_target(11, fixed64),
// target_job_name(12), eresult(13), error_message(14).
type protoHeader struct {
	SteamID         uint64
	ClientSessionID int32
	JobIDSource     uint64
	JobIDTarget     uint64
	TargetJobName   string
	EResult         EResult
	ErrorMessage    string
}

func newProtoHeader() *protoHeader {
	return &protoHeader{JobIDSource: noJobID, JobIDTarget: noJobID}
}

func (h *protoHeader) encode() []byte {
	var b []byte
	if h.SteamID != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, h.SteamID)
	}
	if h.ClientSessionID != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.ClientSessionID)))
	}
	if h.JobIDSource != 0 && h.JobIDSource != noJobID {
		b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, h.JobIDSource)
	}
	if h.JobIDTarget != 0 && h.JobIDTarget != noJobID {
		b = protowire.AppendTag(b, 11, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, h.JobIDTarget)
	}
	if h.TargetJobName != "" {
		b = protowire.AppendTag(b, 12, protowire.BytesType)
		b = protowire.AppendString(b, h.TargetJobName)
	}
	if h.EResult != 0 {
		b = protowire.AppendTag(b, 13, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.EResult)))
	}
	if h.ErrorMessage != "" {
		b = protowire.AppendTag(b, 14, protowire.BytesType)
		b = protowire.AppendString(b, h.ErrorMessage)
	}
	return b
}

func decodeProtoHeader(data []byte) (*protoHeader, error) {
	h := newProtoHeader()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("header tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("header steamid: %w", protowire.ParseError(n))
			}
			h.SteamID = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("header session id: %w", protowire.ParseError(n))
			}
			h.ClientSessionID = int32(v)
			data = data[n:]
		case num == 10 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("header jobid source: %w", protowire.ParseError(n))
			}
			h.JobIDSource = v
			data = data[n:]
		case num == 11 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("header jobid target: %w", protowire.ParseError(n))
			}
			h.JobIDTarget = v
			data = data[n:]
		case num == 12 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("header job name: %w", protowire.ParseError(n))
			}
			h.TargetJobName = v
			data = data[n:]
		case num == 13 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("header eresult: %w", protowire.ParseError(n))
			}
			h.EResult = EResult(int32(v))
			data = data[n:]
		case num == 14 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("header error message: %w", protowire.ParseError(n))
			}
			h.ErrorMessage = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("header field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return h, nil
}
