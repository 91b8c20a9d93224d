package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 各类型样例包, 字段均在合法域内
func samplePackets() []Packet {
	return []Packet{
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeEStop, Sequence: 1, Timestamp: 100}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeTimeSync, Sequence: 2, Timestamp: 12345}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeHeartbeat, Sequence: 255, Timestamp: 0}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeStreamStop, Sequence: 7, Timestamp: 9}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeGetSingle, Sequence: 8, Timestamp: 9}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeStatusRequest, Sequence: 9, Timestamp: 9}},
		&SimplePacket{Header: Header{Version: ProtocolVersion, Type: TypeDiscovery, Sequence: 0, Timestamp: 1}},
		&ControlPacket{Header: Header{Version: ProtocolVersion, Type: TypeControl, Sequence: 3, Timestamp: 50}, CommandID: 0, CommandState: ControlOpen},
		&StreamStartPacket{Header: Header{Version: ProtocolVersion, Type: TypeStreamStart, Sequence: 4, Timestamp: 60}, FrequencyHz: 100},
		&ConfigPacket{Header: Header{Version: ProtocolVersion, Type: TypeConfig, Sequence: 0, Timestamp: 70}, ConfigJSON: []byte(`{"deviceName":"D","deviceType":"Sensor Monitor"}`)},
		&DataPacket{Header: Header{Version: ProtocolVersion, Type: TypeData, Sequence: 5, Timestamp: 80}, Readings: []Reading{
			{SensorID: 0, Unit: UnitPSI, Value: 38.6},
			{SensorID: 1, Unit: UnitCelsius, Value: -12.25},
		}},
		&DataPacket{Header: Header{Version: ProtocolVersion, Type: TypeData, Sequence: 6, Timestamp: 90}, Readings: []Reading{}},
		&StatusPacket{Header: Header{Version: ProtocolVersion, Type: TypeStatus, Sequence: 6, Timestamp: 90}, Status: DeviceActive},
		&AckPacket{Header: Header{Version: ProtocolVersion, Type: TypeAck, Sequence: 10, Timestamp: 99}, AckType: TypeConfig, AckSeq: 0},
		&AckPacket{Header: Header{Version: ProtocolVersion, Type: TypeNack, Sequence: 11, Timestamp: 99}, AckType: TypeControl, AckSeq: 7, ErrorCode: ErrCodeInvalidID},
	}
}

// 编码后解码应得到原包
func TestRoundTrip(t *testing.T) {
	for _, pkt := range samplePackets() {
		data := Encode(pkt)
		decoded, err := Decode(data)
		require.NoError(t, err, "类型 %s", TypeName(pkt.Hdr().Type))
		assert.Equal(t, pkt, decoded, "类型 %s", TypeName(pkt.Hdr().Type))
	}
}

// 包头Length必须等于实际字节数
func TestEncodeLengthConsistency(t *testing.T) {
	for _, pkt := range samplePackets() {
		data := Encode(pkt)
		require.Equal(t, int(pkt.Hdr().Length), len(data), "类型 %s", TypeName(pkt.Hdr().Type))

		h, err := DecodeHeader(data)
		require.NoError(t, err)
		assert.Equal(t, uint16(len(data)), h.Length)
	}
}

// S2场景: DATA包的逐字节布局
func TestDataPacketWireFormat(t *testing.T) {
	pkt := &DataPacket{
		Header: Header{Version: 0x02, Type: TypeData, Sequence: 0x77, Timestamp: 0},
		Readings: []Reading{
			{SensorID: 0, Unit: UnitPSI, Value: 38.6},
			{SensorID: 1, Unit: UnitPSI, Value: 145.2},
		},
	}
	data := Encode(pkt)

	expected := []byte{
		0x02, 0x11, 0x77, 0x00, 0x16, 0x00, 0x00, 0x00, 0x00, // 包头
		0x02,                               // count
		0x00, 0x05, 0x42, 0x1A, 0x66, 0x66, // sensor 0, PSI, 38.6
		0x01, 0x05, 0x43, 0x11, 0x33, 0x33, // sensor 1, PSI, 145.2
	}
	assert.Equal(t, expected, data)
}

// S1场景: CONFIG包的逐字节布局
func TestConfigPacketWireFormat(t *testing.T) {
	js := `{"deviceName":"D","deviceType":"Sensor Monitor"}`
	pkt := &ConfigPacket{
		Header:     Header{Version: 0x02, Type: TypeConfig, Sequence: 0, Timestamp: 0},
		ConfigJSON: []byte(js),
	}
	data := Encode(pkt)

	require.Equal(t, 13+len(js), len(data))
	assert.Equal(t, uint8(0x02), data[0])
	assert.Equal(t, uint8(0x10), data[1])
	// json_len 大端
	assert.Equal(t, []byte{0x00, 0x00, 0x00, byte(len(js))}, data[9:13])
	assert.Equal(t, js, string(data[13:]))
}

// 定长类型长度不符必须拒绝
func TestDecodeStrictLength(t *testing.T) {
	// 17字节的TIMESYNC旧变体(u64负载): Length自洽但类型定长不符
	longSync := make([]byte, 17)
	longSync[0] = ProtocolVersion
	longSync[1] = TypeTimeSync
	longSync[3], longSync[4] = 0x00, 0x11

	cases := []struct {
		name string
		data []byte
	}{
		{"TIMESYNC旧u64变体", longSync},
		{"TIMESYNC带负载", append(Encode(&SimplePacket{Header: Header{Type: TypeTimeSync}}), 0, 0, 0, 0, 0, 0, 0, 0)},
		{"CONTROL短一字节", Encode(&ControlPacket{Header: Header{Type: TypeControl}})[:10]},
		{"ACK多一字节", append(Encode(&AckPacket{Header: Header{Type: TypeAck}}), 0)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(c.data)
			require.Error(t, err)
		})
	}
}

// DATA的count与Length不一致必须拒绝
func TestDecodeDataCountMismatch(t *testing.T) {
	pkt := &DataPacket{
		Header:   Header{Type: TypeData},
		Readings: []Reading{{SensorID: 0, Unit: UnitPSI, Value: 1}},
	}
	data := Encode(pkt)
	data[9] = 2 // 谎报count

	_, err := Decode(data)
	require.ErrorIs(t, err, ErrBadLength)
}

// CONFIG的json_len与Length不一致必须拒绝
func TestDecodeConfigLengthMismatch(t *testing.T) {
	pkt := &ConfigPacket{Header: Header{Type: TypeConfig}, ConfigJSON: []byte(`{}`)}
	data := Encode(pkt)
	data[12] = 0xFF // 谎报json_len

	_, err := Decode(data)
	require.ErrorIs(t, err, ErrBadLength)
}

// 非UTF-8的CONFIG负载必须拒绝
func TestDecodeConfigInvalidUTF8(t *testing.T) {
	pkt := &ConfigPacket{Header: Header{Type: TypeConfig}, ConfigJSON: []byte{0xFF, 0xFE, 0xFD}}
	data := Encode(pkt)

	_, err := Decode(data)
	require.ErrorIs(t, err, ErrInvalidUTF8)
}

// 未知类型返回ErrUnknownType
func TestDecodeUnknownType(t *testing.T) {
	data := Encode(&SimplePacket{Header: Header{Type: TypeHeartbeat}})
	data[1] = 0x7F

	_, err := Decode(data)
	require.ErrorIs(t, err, ErrUnknownType)
}

// 空批次DATA合法
func TestDecodeEmptyDataBatch(t *testing.T) {
	pkt := &DataPacket{Header: Header{Type: TypeData}, Readings: []Reading{}}
	decoded, err := Decode(Encode(pkt))
	require.NoError(t, err)
	assert.Len(t, decoded.(*DataPacket).Readings, 0)
}

// Length与传入切片长度不符必须拒绝
func TestDecodeTruncated(t *testing.T) {
	data := Encode(&StatusPacket{Header: Header{Type: TypeStatus}, Status: DeviceActive})
	_, err := Decode(data[:len(data)-1])
	require.ErrorIs(t, err, ErrBadLength)

	_, err = Decode([]byte{0x02, 0x12})
	require.ErrorIs(t, err, ErrShortPacket)
}
