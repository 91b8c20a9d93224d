package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

// 模拟设备: 完整走一遍CONFIG握手, 应答TIMESYNC/心跳/控制,
// 收到STREAM_START后按频率推送DATA。用于联调服务器。

const defaultConfig = `{
  "deviceName": "SIM-1",
  "deviceType": "Sensor Monitor",
  "sensorInfo": {
    "thermocouples": {
      "TC_CHAMBER": {"units": "degC", "type": "K", "ADCIndex": 0}
    },
    "pressureTransducers": {
      "PT_FEED": {"units": "PSI", "pin": 4, "maxPressure_PSI": 1000}
    },
    "loadCells": {
      "LC_THRUST": {"units": "N", "loadRating_N": 5000}
    }
  },
  "controls": {
    "AVFILL": {"pin": 12, "type": "valve", "defaultState": "CLOSED"}
  }
}`

type simDevice struct {
	conn    net.Conn
	writeMu sync.Mutex
	seq     uint8
	boot    time.Time

	streamMu sync.Mutex
	stopCh   chan struct{}
}

func main() {
	host := flag.String("host", "localhost:50000", "服务器地址")
	flag.Parse()

	conn, err := net.Dial("tcp", *host)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	fmt.Printf("已连接到: %s\n", *host)

	d := &simDevice{conn: conn, boot: time.Now()}

	// 首包必须是CONFIG
	d.send(&protocol.ConfigPacket{
		Header:     protocol.Header{Type: protocol.TypeConfig},
		ConfigJSON: []byte(defaultConfig),
	})

	d.run()
}

// uptimeMS 设备上电毫秒(u32回绕)
func (d *simDevice) uptimeMS() uint32 {
	return uint32(time.Since(d.boot).Milliseconds())
}

func (d *simDevice) send(pkt protocol.Packet) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	h := pkt.Hdr()
	h.Version = protocol.ProtocolVersion
	h.Sequence = d.seq
	d.seq++
	h.Timestamp = d.uptimeMS()

	if _, err := d.conn.Write(protocol.Encode(pkt)); err != nil {
		log.Fatalf("发送失败: %v", err)
	}
}

func (d *simDevice) ack(reqType, reqSeq uint8) {
	d.send(&protocol.AckPacket{
		Header:  protocol.Header{Type: protocol.TypeAck},
		AckType: reqType,
		AckSeq:  reqSeq,
	})
}

func (d *simDevice) nack(reqType, reqSeq, code uint8) {
	d.send(&protocol.AckPacket{
		Header:    protocol.Header{Type: protocol.TypeNack},
		AckType:   reqType,
		AckSeq:    reqSeq,
		ErrorCode: code,
	})
}

func (d *simDevice) run() {
	fr := protocol.NewFrameReader(d.conn, protocol.MaxPacketSize)
	for {
		raw, err := fr.Next()
		if err != nil {
			log.Printf("连接断开: %v", err)
			return
		}
		pkt, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("解码失败: %v", err)
			continue
		}
		h := *pkt.Hdr()
		fmt.Printf("收到 %s seq=%d\n", protocol.TypeName(h.Type), h.Sequence)

		switch p := pkt.(type) {
		case *protocol.SimplePacket:
			switch h.Type {
			case protocol.TypeTimeSync, protocol.TypeHeartbeat, protocol.TypeGetSingle:
				d.ack(h.Type, h.Sequence)
				if h.Type == protocol.TypeGetSingle {
					d.sendData()
				}
			case protocol.TypeStreamStop:
				d.stopStream()
				d.ack(h.Type, h.Sequence)
			case protocol.TypeStatusRequest:
				d.send(&protocol.StatusPacket{
					Header: protocol.Header{Type: protocol.TypeStatus},
					Status: protocol.DeviceActive,
				})
			case protocol.TypeEStop:
				d.stopStream()
				fmt.Println("ESTOP! 所有控制回默认态")
			}

		case *protocol.StreamStartPacket:
			if p.FrequencyHz == 0 {
				d.nack(h.Type, h.Sequence, protocol.ErrCodeInvalidParam)
				continue
			}
			d.ack(h.Type, h.Sequence)
			d.startStream(p.FrequencyHz)

		case *protocol.ControlPacket:
			// 只有一路控制, 其余下标拒绝
			if p.CommandID != 0 {
				d.nack(h.Type, h.Sequence, protocol.ErrCodeInvalidID)
				continue
			}
			d.ack(h.Type, h.Sequence)
		}
	}
}

func (d *simDevice) startStream(hz uint16) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	if d.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	d.stopCh = stop

	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(hz))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.sendData()
			}
		}
	}()
}

func (d *simDevice) stopStream() {
	d.streamMu.Lock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
	d.streamMu.Unlock()
}

// sendData 三路传感器各一条读数
func (d *simDevice) sendData() {
	t := float64(d.uptimeMS()) / 1000.0
	d.send(&protocol.DataPacket{
		Header: protocol.Header{Type: protocol.TypeData},
		Readings: []protocol.Reading{
			{SensorID: 0, Unit: protocol.UnitCelsius, Value: float32(20 + 5*math.Sin(t))},
			{SensorID: 1, Unit: protocol.UnitPSI, Value: float32(500 + rand.Float64()*20)},
			{SensorID: 2, Unit: protocol.UnitNewtons, Value: float32(1000 + rand.Float64()*100)},
		},
	})
}
