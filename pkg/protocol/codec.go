package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// 编解码错误
var (
	ErrUnknownType = errors.New("未知的包类型")
	ErrShortPacket = errors.New("数据长度不足")
	ErrBadLength   = errors.New("包头Length与实际长度不符")
	ErrInvalidUTF8 = errors.New("CONFIG负载不是合法UTF-8")
)

// Encode 将包编码为二进制, 回填包头Length, 其余包头字段由调用方填写。
// 产出长度恒等于包头Length。编解码层不做任何I/O。
func Encode(p Packet) []byte {
	h := p.Hdr()
	total := HeaderSize + p.payloadSize()
	h.Length = uint16(total)

	buf := make([]byte, total)
	buf[0] = h.Version
	buf[1] = h.Type
	buf[2] = h.Sequence
	binary.BigEndian.PutUint16(buf[3:5], h.Length)
	binary.BigEndian.PutUint32(buf[5:9], h.Timestamp)

	switch v := p.(type) {
	case *SimplePacket:
		// 仅包头
	case *ControlPacket:
		buf[9] = v.CommandID
		buf[10] = v.CommandState
	case *StreamStartPacket:
		binary.BigEndian.PutUint16(buf[9:11], v.FrequencyHz)
	case *ConfigPacket:
		binary.BigEndian.PutUint32(buf[9:13], uint32(len(v.ConfigJSON)))
		copy(buf[13:], v.ConfigJSON)
	case *DataPacket:
		buf[9] = uint8(len(v.Readings))
		off := 10
		for _, r := range v.Readings {
			buf[off] = r.SensorID
			buf[off+1] = r.Unit
			binary.BigEndian.PutUint32(buf[off+2:off+6], math.Float32bits(r.Value))
			off += 6
		}
	case *StatusPacket:
		buf[9] = v.Status
	case *AckPacket:
		buf[9] = v.AckType
		buf[10] = v.AckSeq
		buf[11] = v.ErrorCode
	}

	return buf
}

// DecodeHeader 解码9字节包头
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d字节", ErrShortPacket, len(data))
	}
	return Header{
		Version:   data[0],
		Type:      data[1],
		Sequence:  data[2],
		Length:    binary.BigEndian.Uint16(data[3:5]),
		Timestamp: binary.BigEndian.Uint32(data[5:9]),
	}, nil
}

// Decode 严格解码一个完整包。定长类型长度不符即报错;
// DATA要求 9+1+6*count == Length; CONFIG要求 13+json_len == Length;
// 未知类型返回ErrUnknownType。
func Decode(data []byte) (Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: Length=%d 实际=%d", ErrBadLength, h.Length, len(data))
	}

	switch h.Type {
	case TypeEStop, TypeDiscovery, TypeTimeSync, TypeStatusRequest,
		TypeStreamStop, TypeGetSingle, TypeHeartbeat:
		if h.Length != HeaderSize {
			return nil, fmt.Errorf("%w: %s应为%d字节, 收到%d",
				ErrBadLength, TypeName(h.Type), HeaderSize, h.Length)
		}
		return &SimplePacket{Header: h}, nil

	case TypeControl:
		if h.Length != HeaderSize+2 {
			return nil, fmt.Errorf("%w: CONTROL应为%d字节, 收到%d", ErrBadLength, HeaderSize+2, h.Length)
		}
		return &ControlPacket{Header: h, CommandID: data[9], CommandState: data[10]}, nil

	case TypeStreamStart:
		if h.Length != HeaderSize+2 {
			return nil, fmt.Errorf("%w: STREAM_START应为%d字节, 收到%d", ErrBadLength, HeaderSize+2, h.Length)
		}
		// freq==0由设备侧以NACK(INVALID_PARAM)拒绝, 编解码层不拦截
		return &StreamStartPacket{Header: h, FrequencyHz: binary.BigEndian.Uint16(data[9:11])}, nil

	case TypeConfig:
		if h.Length < HeaderSize+4 {
			return nil, fmt.Errorf("%w: CONFIG至少%d字节, 收到%d", ErrBadLength, HeaderSize+4, h.Length)
		}
		jsonLen := binary.BigEndian.Uint32(data[9:13])
		if int(h.Length) != HeaderSize+4+int(jsonLen) {
			return nil, fmt.Errorf("%w: CONFIG json_len=%d 与Length=%d不符", ErrBadLength, jsonLen, h.Length)
		}
		raw := make([]byte, jsonLen)
		copy(raw, data[13:])
		if !utf8.Valid(raw) {
			return nil, ErrInvalidUTF8
		}
		return &ConfigPacket{Header: h, ConfigJSON: raw}, nil

	case TypeData:
		if h.Length < HeaderSize+1 {
			return nil, fmt.Errorf("%w: DATA至少%d字节, 收到%d", ErrBadLength, HeaderSize+1, h.Length)
		}
		count := int(data[9])
		if int(h.Length) != HeaderSize+1+6*count {
			return nil, fmt.Errorf("%w: DATA count=%d 与Length=%d不符", ErrBadLength, count, h.Length)
		}
		// count==0合法, 视为空批次
		readings := make([]Reading, count)
		off := 10
		for i := 0; i < count; i++ {
			readings[i] = Reading{
				SensorID: data[off],
				Unit:     data[off+1],
				Value:    math.Float32frombits(binary.BigEndian.Uint32(data[off+2 : off+6])),
			}
			off += 6
		}
		return &DataPacket{Header: h, Readings: readings}, nil

	case TypeStatus:
		if h.Length != HeaderSize+1 {
			return nil, fmt.Errorf("%w: STATUS应为%d字节, 收到%d", ErrBadLength, HeaderSize+1, h.Length)
		}
		return &StatusPacket{Header: h, Status: data[9]}, nil

	case TypeAck, TypeNack:
		if h.Length != HeaderSize+3 {
			return nil, fmt.Errorf("%w: %s应为%d字节, 收到%d",
				ErrBadLength, TypeName(h.Type), HeaderSize+3, h.Length)
		}
		return &AckPacket{Header: h, AckType: data[9], AckSeq: data[10], ErrorCode: data[11]}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, h.Type)
	}
}
