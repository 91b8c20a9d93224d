package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/bus"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/registry"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

var addrCounter atomic.Int32

type pipeAddr string

func (a pipeAddr) Network() string { return "tcp" }
func (a pipeAddr) String() string  { return string(a) }

// net.Pipe两端地址相同, 包一层给每条连接唯一对端地址
type addrConn struct {
	net.Conn
	remote pipeAddr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

// FakeDevice 集成测试用的设备替身: 后台泵收包,
// 测试手动应答或挂AutoRespond自动应答
type FakeDevice struct {
	T       *testing.T
	Conn    net.Conn
	Packets chan protocol.Packet

	seq     uint8
	writeMu sync.Mutex
}

// NewLogger 丢弃输出的测试日志器
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// StartDevice 建立管道连接并启动会话, 返回会话与设备替身
func StartDevice(t *testing.T, reg *registry.Registry, b *bus.Bus, tweak func(*session.Options)) (*session.Session, *FakeDevice) {
	t.Helper()
	serverEnd, deviceEnd := net.Pipe()
	addr := pipeAddr(fmt.Sprintf("10.1.0.9:%d", 50000+addrCounter.Add(1)))

	opts := session.Options{
		Log:               NewLogger(),
		Bus:               b,
		Registrar:         reg,
		HandshakeTimeout:  time.Second,
		AckTimeout:        300 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ResyncInterval:    time.Hour,
	}
	if tweak != nil {
		tweak(&opts)
	}

	s := session.New(addrConn{Conn: serverEnd, remote: addr}, opts)
	go s.Run()
	t.Cleanup(func() { s.Close(nil) })

	d := &FakeDevice{
		T:       t,
		Conn:    deviceEnd,
		Packets: make(chan protocol.Packet, 64),
	}
	go func() {
		fr := protocol.NewFrameReader(deviceEnd, 0)
		for {
			raw, err := fr.Next()
			if err != nil {
				close(d.Packets)
				return
			}
			pkt, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			d.Packets <- pkt
		}
	}()

	return s, d
}

// Send 填包头并写出
func (d *FakeDevice) Send(pkt protocol.Packet, deviceTS uint32) {
	d.T.Helper()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	h := pkt.Hdr()
	h.Version = protocol.ProtocolVersion
	h.Sequence = d.seq
	d.seq++
	h.Timestamp = deviceTS
	d.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := d.Conn.Write(protocol.Encode(pkt))
	require.NoError(d.T, err)
}

// Next 取下一包, 超时判失败
func (d *FakeDevice) Next() protocol.Packet {
	d.T.Helper()
	select {
	case pkt, ok := <-d.Packets:
		if !ok {
			d.T.Fatal("设备侧连接已断开")
		}
		return pkt
	case <-time.After(2 * time.Second):
		d.T.Fatal("等待服务器包超时")
	}
	return nil
}

func (d *FakeDevice) Ack(reqType, reqSeq uint8, deviceTS uint32) {
	d.Send(&protocol.AckPacket{
		Header:  protocol.Header{Type: protocol.TypeAck},
		AckType: reqType,
		AckSeq:  reqSeq,
	}, deviceTS)
}

func (d *FakeDevice) Nack(reqType, reqSeq, code uint8) {
	d.Send(&protocol.AckPacket{
		Header:    protocol.Header{Type: protocol.TypeNack},
		AckType:   reqType,
		AckSeq:    reqSeq,
		ErrorCode: code,
	}, 0)
}

// Handshake 完整走CONFIG+TIMESYNC握手
func (d *FakeDevice) Handshake(configJSON string, deviceTS uint32) {
	d.T.Helper()
	d.Send(&protocol.ConfigPacket{
		Header:     protocol.Header{Type: protocol.TypeConfig},
		ConfigJSON: []byte(configJSON),
	}, deviceTS)

	ack, ok := d.Next().(*protocol.AckPacket)
	require.True(d.T, ok, "期望CONFIG的ACK")
	require.Equal(d.T, uint8(protocol.TypeConfig), ack.AckType)

	sync, ok := d.Next().(*protocol.SimplePacket)
	require.True(d.T, ok, "期望TIMESYNC")
	require.Equal(d.T, uint8(protocol.TypeTimeSync), sync.Header.Type)

	d.Ack(protocol.TypeTimeSync, sync.Header.Sequence, deviceTS)
}

// AutoRespond 后台自动应答: ACK一切可ACK的命令,
// 越界控制下标回NACK(INVALID_ID), 频率0回NACK(INVALID_PARAM),
// STATUS_REQUEST回给定状态。
func (d *FakeDevice) AutoRespond(numControls int, status uint8) {
	go func() {
		for pkt := range d.Packets {
			h := *pkt.Hdr()
			switch p := pkt.(type) {
			case *protocol.ControlPacket:
				if int(p.CommandID) >= numControls {
					d.Nack(h.Type, h.Sequence, protocol.ErrCodeInvalidID)
				} else {
					d.Ack(h.Type, h.Sequence, 0)
				}
			case *protocol.StreamStartPacket:
				if p.FrequencyHz == 0 {
					d.Nack(h.Type, h.Sequence, protocol.ErrCodeInvalidParam)
				} else {
					d.Ack(h.Type, h.Sequence, 0)
				}
			case *protocol.SimplePacket:
				switch h.Type {
				case protocol.TypeStatusRequest:
					d.Send(&protocol.StatusPacket{
						Header: protocol.Header{Type: protocol.TypeStatus},
						Status: status,
					}, 0)
				case protocol.TypeEStop:
					// 不需应答
				default:
					d.Ack(h.Type, h.Sequence, 0)
				}
			}
		}
	}()
}

// WaitRegistered 等待设备出现在注册表
func WaitRegistered(t *testing.T, reg *registry.Registry, name string) *session.Session {
	t.Helper()
	var s *session.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = reg.GetByName(name)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "设备%s未注册", name)
	return s
}
