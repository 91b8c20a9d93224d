package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"strings"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

// 生成协议数据包样例, 供固件侧调试对拍

func main() {
	pktType := flag.String("type", "data", "包类型 (estop/timesync/control/stream_start/heartbeat/data/status/ack)")
	seq := flag.Uint("seq", 0, "序号")
	timestamp := flag.Uint("ts", 1000, "包头时间戳(毫秒)")
	sensorID := flag.Uint("sensor", 0, "传感器ID (data)")
	unit := flag.Uint("unit", uint(protocol.UnitPSI), "单位码 (data)")
	value := flag.Float64("value", 25.36, "测量值 (data)")
	freq := flag.Uint("freq", 10, "采样频率 (stream_start)")
	random := flag.Bool("random", false, "生成随机读数")
	count := flag.Int("count", 1, "生成数量")
	flag.Parse()

	for i := 0; i < *count; i++ {
		pkt := buildPacket(*pktType, uint8(*seq)+uint8(i), uint32(*timestamp),
			uint8(*sensorID), uint8(*unit), float32(*value), uint16(*freq), *random)
		if pkt == nil {
			fmt.Printf("未知包类型: %s\n", *pktType)
			return
		}

		data := protocol.Encode(pkt)
		fmt.Printf("数据包 %d (%s):\n", i+1, protocol.TypeName(pkt.Hdr().Type))
		fmt.Printf("  十六进制: %s\n", hex.EncodeToString(data))
		fmt.Printf("  字节数组: % x\n", data)
		fmt.Printf("  C格式:    {%s}\n", toCArray(data))
		fmt.Printf("  Go格式:   []byte{%s}\n", toGoArray(data))
		parseAndDisplay(data)
		fmt.Println()
	}
}

// buildPacket 按类型构造包, 包头版本/序号/时间戳在此固定
func buildPacket(kind string, seq uint8, ts uint32, sensorID, unit uint8, value float32, freq uint16, random bool) protocol.Packet {
	h := protocol.Header{Version: protocol.ProtocolVersion, Sequence: seq, Timestamp: ts}

	switch kind {
	case "estop":
		h.Type = protocol.TypeEStop
		return &protocol.SimplePacket{Header: h}
	case "timesync":
		h.Type = protocol.TypeTimeSync
		return &protocol.SimplePacket{Header: h}
	case "heartbeat":
		h.Type = protocol.TypeHeartbeat
		return &protocol.SimplePacket{Header: h}
	case "control":
		h.Type = protocol.TypeControl
		return &protocol.ControlPacket{Header: h, CommandID: 0, CommandState: protocol.ControlOpen}
	case "stream_start":
		h.Type = protocol.TypeStreamStart
		return &protocol.StreamStartPacket{Header: h, FrequencyHz: freq}
	case "status":
		h.Type = protocol.TypeStatus
		return &protocol.StatusPacket{Header: h, Status: protocol.DeviceActive}
	case "ack":
		h.Type = protocol.TypeAck
		return &protocol.AckPacket{Header: h, AckType: protocol.TypeHeartbeat, AckSeq: seq}
	case "data":
		h.Type = protocol.TypeData
		if random {
			sensorID = uint8(rand.Intn(3))
			value = rand.Float32() * 1000
		}
		return &protocol.DataPacket{Header: h, Readings: []protocol.Reading{
			{SensorID: sensorID, Unit: unit, Value: value},
		}}
	default:
		return nil
	}
}

// parseAndDisplay 解码回显, 验证编解码一致
func parseAndDisplay(data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		fmt.Printf("  解析失败: %v\n", err)
		return
	}
	h := *pkt.Hdr()
	fmt.Printf("  解析结果: 类型=%s 序号=%d 长度=%d 时间戳=%dms\n",
		protocol.TypeName(h.Type), h.Sequence, h.Length, h.Timestamp)

	if dp, ok := pkt.(*protocol.DataPacket); ok {
		for _, r := range dp.Readings {
			fmt.Printf("    读数: sensor=%d %.3f %s\n", r.SensorID, r.Value, protocol.UnitName(r.Unit))
		}
	}
}

func toCArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02X", b)
	}
	return strings.Join(parts, ", ")
}

func toGoArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02x", b)
	}
	return strings.Join(parts, ", ")
}
