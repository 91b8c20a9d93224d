package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/bus"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/device"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/monitor"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

// 会话错误
var (
	ErrDisconnected  = errors.New("设备已断开")
	ErrTimeout       = errors.New("等待设备响应超时")
	ErrHandshake     = errors.New("握手失败")
	ErrHeartbeatLost = errors.New("心跳丢失")
)

// NackError 设备以NACK拒绝请求, 会话保持READY
type NackError struct {
	ReqType uint8
	Code    uint8
}

func (e *NackError) Error() string {
	return fmt.Sprintf("设备NACK(%s): 请求=%s", protocol.ErrCodeName(e.Code), protocol.TypeName(e.ReqType))
}

// Registrar 注册表接口, 由registry包实现
type Registrar interface {
	Add(s *Session) error
	Remove(s *Session)
}

// Sample 换算到服务器时间的一条采样
type Sample struct {
	TimeSeconds float64
	Value       float32
	Approx      bool // 无同步锚点时的本地时间兜底
}

// Options 会话参数
type Options struct {
	Log                *logrus.Logger
	Bus                *bus.Bus
	Registrar          Registrar
	HandshakeTimeout   time.Duration // CONFIG读取与TIMESYNC ACK等待, 默认3s
	AckTimeout         time.Duration // 单次ACK等待, 默认2s
	WriteTimeout       time.Duration // 单包写超时, 默认5s
	HeartbeatInterval  time.Duration // 默认5s
	HeartbeatMissLimit int           // 连续丢失上限, 默认2
	ResyncInterval     time.Duration // TIMESYNC重锚定周期, 默认10min
	MaxConfigBytes     int           // CONFIG包长度上限, 默认64KiB
	SampleBufferCap    int           // 每路传感器的采样缓冲上限(满时丢最旧的一半), 默认100000
	StrictTimestamps   bool          // 投影时间回退时丢弃该包
}

func (o *Options) fillDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 3 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatMissLimit <= 0 {
		o.HeartbeatMissLimit = 2
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 10 * time.Minute
	}
	if o.MaxConfigBytes <= 0 {
		o.MaxConfigBytes = 64 * 1024
	}
	if o.SampleBufferCap <= 0 {
		o.SampleBufferCap = 100000
	}
}

type request struct {
	pkt        protocol.Packet
	ackBearing bool
	done       chan error  // 写入结果
	waiter     **pendingAck // 写循环登记等待者后回填
}

// Session 一台设备从TCP接入到断开的完整生命周期:
// AWAITING_CONFIG -> AWAITING_SYNC -> READY -> CLOSED。
// 单读循环 + 单写循环 + 定时器循环, 彼此只通过通道和等待表交互。
type Session struct {
	ID   uuid.UUID
	conn net.Conn
	addr string
	log  *logrus.Logger
	bus  *bus.Bus
	opts Options

	dev   *device.Device
	devMu sync.Mutex

	outbound chan *request
	seq      uint8 // 写循环独占, 每发一包严格递增(mod 256)
	pending  pendingTable

	statusMu      sync.Mutex
	statusWaiters []chan uint8

	anchorMu      sync.Mutex
	anchor        Anchor
	lastProjected float64

	streamMu  sync.Mutex
	streaming bool
	streamHz  uint16

	samplesMu sync.Mutex
	samples   [][]Sample

	lastHeartbeatMu sync.Mutex
	lastHeartbeat   time.Time

	regMu       sync.Mutex
	registered  bool
	closeOnce   sync.Once
	closed      chan struct{}
	closeReason error
}

// New 包装一条已接受的TCP连接, 尚未开始握手
func New(conn net.Conn, opts Options) *Session {
	opts.fillDefaults()
	return &Session{
		ID:       uuid.New(),
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		log:      opts.Log,
		bus:      opts.Bus,
		opts:     opts,
		outbound: make(chan *request, 16),
		closed:   make(chan struct{}),
	}
}

// Addr 返回对端地址(注册表主键)
func (s *Session) Addr() string { return s.addr }

// Name 返回设备名, 握手完成前为空
func (s *Session) Name() string {
	if s.dev == nil {
		return ""
	}
	return s.dev.Name
}

// Device 返回设备模型, 握手完成前为nil
func (s *Session) Device() *device.Device { return s.dev }

// Done 会话结束信号
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err 返回关闭原因
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.closeReason
	default:
		return nil
	}
}

// Run 驱动会话直到CLOSED。在独立goroutine中调用。
func (s *Session) Run() {
	defer s.Close(nil)

	fr := protocol.NewFrameReader(s.conn, protocol.MaxPacketSize)

	// AWAITING_CONFIG: 第一包必须是CONFIG, 否则直接断开
	if err := s.handshake(fr); err != nil {
		monitor.HandshakeFailures.Inc()
		s.log.Warnf("握手失败 [%s]: %v", s.addr, err)
		s.Close(fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}

	go s.writeLoop()
	go s.readLoop(fr)

	// AWAITING_SYNC: 发送TIMESYNC, 等待匹配序号的ACK。
	// 锚点由读循环在ACK到达瞬间记录。
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	_, err := s.Request(ctx, &protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeTimeSync}})
	cancel()
	if err != nil {
		monitor.HandshakeFailures.Inc()
		s.log.Warnf("TIMESYNC握手失败 [%s]: %v", s.addr, err)
		s.Close(fmt.Errorf("%w: TIMESYNC: %v", ErrHandshake, err))
		return
	}

	// READY: 注册并进入定时器循环。
	// 注册与关闭互斥, 关闭路径不会漏掉刚注册的会话。
	s.regMu.Lock()
	select {
	case <-s.closed:
		s.regMu.Unlock()
		return
	default:
	}
	if err := s.opts.Registrar.Add(s); err != nil {
		s.regMu.Unlock()
		s.log.Errorf("注册设备失败 [%s]: %v", s.addr, err)
		s.Close(err)
		return
	}
	s.registered = true
	s.regMu.Unlock()
	monitor.ActiveDevices.Inc()
	s.log.Infof("设备已注册: %s (%s) 来自 %s, 传感器%d路, 控制%d路, 会话=%s",
		s.dev.Name, s.dev.Kind, s.addr, len(s.dev.Sensors), len(s.dev.Controls), s.ID)
	s.bus.PublishDevice(bus.DeviceEvent{
		Kind:       "device.online",
		DeviceName: s.dev.Name,
		Address:    s.addr,
		Time:       time.Now(),
	})

	s.timerLoop()
}

// handshake 读取并校验CONFIG, 回ACK
func (s *Session) handshake(fr *protocol.FrameReader) error {
	s.conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	raw, err := fr.Next()
	if err != nil {
		return fmt.Errorf("读取CONFIG失败: %w", err)
	}
	if len(raw) > s.opts.MaxConfigBytes {
		return fmt.Errorf("CONFIG超长: %d > %d", len(raw), s.opts.MaxConfigBytes)
	}

	pkt, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("解码CONFIG失败: %w", err)
	}
	cfg, ok := pkt.(*protocol.ConfigPacket)
	if !ok {
		return fmt.Errorf("首包类型%s, 期望CONFIG", protocol.TypeName(pkt.Hdr().Type))
	}

	dev, err := device.FromConfigJSON(s.addr, cfg.ConfigJSON)
	if err != nil {
		// JSON不合法: 不回ACK, 连接作废
		return fmt.Errorf("解析设备配置失败: %w", err)
	}
	s.dev = dev
	s.samplesMu.Lock()
	s.samples = make([][]Sample, len(dev.Sensors))
	s.samplesMu.Unlock()

	// ACK(CONFIG, 设备序号, 0)。写循环尚未启动, 此处独占序号计数器。
	return s.writePacket(&protocol.AckPacket{
		Header:  protocol.Header{Type: protocol.TypeAck},
		AckType: protocol.TypeConfig,
		AckSeq:  cfg.Header.Sequence,
	})
}

// writePacket 填包头(版本/序号/时间戳), 编码并写出一包。
// 仅写循环(及其启动前的握手)调用, 序号严格递增。
func (s *Session) writePacket(pkt protocol.Packet) error {
	h := pkt.Hdr()
	h.Version = protocol.ProtocolVersion
	h.Sequence = s.seq
	s.seq++
	h.Timestamp = MonotonicMS()

	data := protocol.Encode(pkt)
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("写%s失败: %w", protocol.TypeName(h.Type), err)
	}
	return nil
}

// writeLoop 串行写出提交的命令, 按提交顺序分配序号
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			// 排空积压的提交, 统一以断开失败
			for {
				select {
				case req := <-s.outbound:
					req.done <- ErrDisconnected
				default:
					return
				}
			}
		case req := <-s.outbound:
			if req.ackBearing {
				// 先登记再写出, 避免ACK先于登记到达
				h := req.pkt.Hdr()
				p := s.pending.add(h.Type, s.seq)
				*req.waiter = p
			}
			err := s.writePacket(req.pkt)
			if err != nil {
				if req.ackBearing {
					s.pending.remove(*req.waiter)
				}
				req.done <- err
				s.Close(err)
				return
			}
			req.done <- nil
		}
	}
}

// submit 把一包提交给写循环
func (s *Session) submit(pkt protocol.Packet, ackBearing bool) (*pendingAck, error) {
	var waiter *pendingAck
	req := &request{
		pkt:        pkt,
		ackBearing: ackBearing,
		done:       make(chan error, 1),
		waiter:     &waiter,
	}
	select {
	case s.outbound <- req:
	case <-s.closed:
		return nil, ErrDisconnected
	}
	select {
	case err := <-req.done:
		if err != nil {
			return nil, err
		}
		return waiter, nil
	case <-s.closed:
		return nil, ErrDisconnected
	}
}

// Request 发出一个需ACK的请求并等待对应的ACK/NACK。
// ctx带截止时间时以其为准, 否则使用默认AckTimeout; 超时不关闭连接
// (链路健康时设备忙也会超时)。
func (s *Session) Request(ctx context.Context, pkt protocol.Packet) (AckResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AckTimeout)
		defer cancel()
	}

	waiter, err := s.submit(pkt, true)
	if err != nil {
		return AckResult{}, err
	}

	select {
	case res := <-waiter.ch:
		if res.Nack {
			return res, &NackError{ReqType: waiter.typ, Code: res.Code}
		}
		return res, nil
	case err := <-waiter.err:
		return AckResult{}, err
	case <-ctx.Done():
		s.pending.remove(waiter)
		monitor.AckTimeouts.Inc()
		return AckResult{}, ErrTimeout
	case <-s.closed:
		return AckResult{}, ErrDisconnected
	}
}

// Send 发出一个不需ACK的包, 仅等待写出完成
func (s *Session) Send(pkt protocol.Packet) error {
	_, err := s.submit(pkt, false)
	return err
}

// EStop 发送紧急停止。不等ACK, 不做任何健康检查,
// 写出成功后在本地把所有控制记为默认态。
func (s *Session) EStop() error {
	if err := s.Send(&protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeEStop}}); err != nil {
		return err
	}
	s.devMu.Lock()
	s.dev.ResetControls()
	s.devMu.Unlock()
	s.log.Warnf("ESTOP已下发: %s, 所有控制记为默认态", s.dev.Name)
	return nil
}

// RequestStatus 发出STATUS_REQUEST并等待STATUS响应。
// STATUS不携带请求序号, 等待者按FIFO完成。
func (s *Session) RequestStatus(ctx context.Context) (uint8, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AckTimeout)
		defer cancel()
	}

	ch := make(chan uint8, 1)
	s.statusMu.Lock()
	s.statusWaiters = append(s.statusWaiters, ch)
	s.statusMu.Unlock()

	if err := s.Send(&protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeStatusRequest}}); err != nil {
		s.dropStatusWaiter(ch)
		return 0, err
	}

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		s.dropStatusWaiter(ch)
		return 0, ErrTimeout
	case <-s.closed:
		return 0, ErrDisconnected
	}
}

func (s *Session) dropStatusWaiter(ch chan uint8) {
	s.statusMu.Lock()
	for i, w := range s.statusWaiters {
		if w == ch {
			s.statusWaiters = append(s.statusWaiters[:i], s.statusWaiters[i+1:]...)
			break
		}
	}
	s.statusMu.Unlock()
}

// SetControlState 记录某路控制的服务器侧状态(ACK后由调度器调用)
func (s *Session) SetControlState(idx int, state string) {
	s.devMu.Lock()
	if idx >= 0 && idx < len(s.dev.Controls) {
		s.dev.Controls[idx].State = state
	}
	s.devMu.Unlock()
}

// SetStreaming 记录流状态
func (s *Session) SetStreaming(on bool, hz uint16) {
	s.streamMu.Lock()
	s.streaming, s.streamHz = on, hz
	s.streamMu.Unlock()
}

// Streaming 返回流状态
func (s *Session) Streaming() (bool, uint16) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streaming, s.streamHz
}

// SyncAnchor 返回当前同步锚点
func (s *Session) SyncAnchor() Anchor {
	s.anchorMu.Lock()
	defer s.anchorMu.Unlock()
	return s.anchor
}

// Samples 返回每路传感器的采样快照(下标与sensor_id一致)
func (s *Session) Samples() [][]Sample {
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	out := make([][]Sample, len(s.samples))
	for i := range s.samples {
		out[i] = append([]Sample(nil), s.samples[i]...)
	}
	return out
}

// readLoop 单读循环: 分帧、解码、按到达顺序分发
func (s *Session) readLoop(fr *protocol.FrameReader) {
	for {
		raw, err := fr.Next()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debugf("连接断开 [%s]: %v", s.addr, err)
			}
			s.Close(err)
			return
		}
		monitor.BytesReceived.Add(float64(len(raw)))

		start := time.Now()
		pkt, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				// 服务器从不下发NACK, 未知类型记日志后丢弃
				s.log.Warnf("未知包类型 [%s]: %v", s.addr, err)
				continue
			}
			// 负载畸形对连接是致命的
			s.log.Warnf("解码失败 [%s]: %v, 数据: % x", s.addr, err, raw)
			s.Close(err)
			return
		}

		monitor.PacketsReceived.WithLabelValues(s.Name(), protocol.TypeName(pkt.Hdr().Type)).Inc()

		switch p := pkt.(type) {
		case *protocol.DataPacket:
			s.handleData(p)
		case *protocol.StatusPacket:
			s.handleStatus(p)
		case *protocol.AckPacket:
			s.handleAck(p)
		case *protocol.ConfigPacket:
			s.log.Warnf("READY态收到CONFIG [%s], 忽略", s.addr)
		default:
			s.log.Warnf("收到非设备侧包类型%s [%s], 忽略", protocol.TypeName(pkt.Hdr().Type), s.addr)
		}
		monitor.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

// handleData 把设备时间戳投影到服务器时间, 入缓冲并发布到总线
func (s *Session) handleData(p *protocol.DataPacket) {
	s.anchorMu.Lock()
	anchor := s.anchor
	var t float64
	approx := false
	if anchor.Established {
		t = anchor.Project(p.Header.Timestamp)
		if t < s.lastProjected {
			if s.opts.StrictTimestamps {
				s.anchorMu.Unlock()
				s.log.Warnf("投影时间回退 [%s]: %.3f < %.3f, 丢弃该包", s.Name(), t, s.lastProjected)
				return
			}
			s.log.Debugf("投影时间回退 [%s]: %.3f < %.3f", s.Name(), t, s.lastProjected)
		} else {
			s.lastProjected = t
		}
	} else {
		// 未同步前退化为服务器本地时间
		t = MonotonicSeconds()
		approx = true
	}
	s.anchorMu.Unlock()

	for _, r := range p.Readings {
		if int(r.SensorID) >= len(s.dev.Sensors) {
			s.log.Warnf("sensor_id越界 [%s]: %d", s.Name(), r.SensorID)
			continue
		}
		sensor := &s.dev.Sensors[r.SensorID]

		s.samplesMu.Lock()
		buf := s.samples[r.SensorID]
		if len(buf) >= s.opts.SampleBufferCap {
			// 缓冲满时丢最旧的一半
			buf = append(buf[:0], buf[len(buf)/2:]...)
		}
		s.samples[r.SensorID] = append(buf, Sample{TimeSeconds: t, Value: r.Value, Approx: approx})
		s.samplesMu.Unlock()

		monitor.SamplesProcessed.Inc()
		s.bus.PublishData(bus.DataEvent{
			DeviceName:  s.dev.Name,
			SensorName:  sensor.Name,
			Units:       sensor.Units,
			Value:       r.Value,
			TimeSeconds: t,
			Approx:      approx,
		})
	}
}

// handleStatus 完成最早的STATUS等待者
func (s *Session) handleStatus(p *protocol.StatusPacket) {
	s.statusMu.Lock()
	var ch chan uint8
	if len(s.statusWaiters) > 0 {
		ch = s.statusWaiters[0]
		s.statusWaiters = s.statusWaiters[1:]
	}
	s.statusMu.Unlock()

	if ch != nil {
		ch <- p.Status
	} else {
		s.log.Debugf("无等待者的STATUS [%s]: %d", s.Name(), p.Status)
	}
}

// handleAck 按(ack_type, ack_seq)匹配等待表。
// TIMESYNC的ACK同时记录同步锚点: 锚点设备毫秒取ACK包头时间戳,
// 服务器秒取ACK到达瞬间。
func (s *Session) handleAck(p *protocol.AckPacket) {
	isNack := p.Header.Type == protocol.TypeNack
	if isNack {
		monitor.NacksReceived.Inc()
	}

	if !isNack && p.AckType == protocol.TypeTimeSync {
		s.anchorMu.Lock()
		s.anchor = Anchor{
			DeviceMS:      p.Header.Timestamp,
			ServerSeconds: MonotonicSeconds(),
			Established:   true,
		}
		s.anchorMu.Unlock()
		s.log.Debugf("同步锚点更新 [%s]: 设备=%dms", s.Name(), p.Header.Timestamp)
	}

	res := AckResult{Nack: isNack, Code: p.ErrorCode, Timestamp: p.Header.Timestamp}
	if !s.pending.complete(p.AckType, p.AckSeq, res) {
		s.log.Warnf("无匹配等待者的%s [%s]: type=%s seq=%d",
			protocol.TypeName(p.Header.Type), s.Name(), protocol.TypeName(p.AckType), p.AckSeq)
	}
}

// timerLoop 心跳与周期性重同步
func (s *Session) timerLoop() {
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	resync := time.NewTicker(s.opts.ResyncInterval)
	defer heartbeat.Stop()
	defer resync.Stop()

	misses := 0
	for {
		select {
		case <-s.closed:
			return

		case <-heartbeat.C:
			_, err := s.Request(context.Background(), &protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeHeartbeat}})
			if err != nil {
				misses++
				monitor.HeartbeatMisses.Inc()
				s.log.Warnf("心跳丢失 [%s]: %d/%d (%v)", s.Name(), misses, s.opts.HeartbeatMissLimit, err)
				if misses >= s.opts.HeartbeatMissLimit {
					s.Close(ErrHeartbeatLost)
					return
				}
				continue
			}
			misses = 0
			s.lastHeartbeatMu.Lock()
			s.lastHeartbeat = time.Now()
			s.lastHeartbeatMu.Unlock()

		case <-resync.C:
			if _, err := s.Request(context.Background(), &protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeTimeSync}}); err != nil {
				s.log.Warnf("重同步失败 [%s]: %v", s.Name(), err)
			}
		}
	}
}

// LastHeartbeat 最近一次心跳ACK时刻
func (s *Session) LastHeartbeat() time.Time {
	s.lastHeartbeatMu.Lock()
	defer s.lastHeartbeatMu.Unlock()
	return s.lastHeartbeat
}

// Close 迁移到CLOSED: 关闭套接字解除所有阻塞读写,
// 统一失败在途等待者, 注销并发布device.offline。幂等。
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)
		s.conn.Close()

		s.pending.failAll(ErrDisconnected)

		s.statusMu.Lock()
		s.statusWaiters = nil
		s.statusMu.Unlock()

		s.regMu.Lock()
		registered := s.registered
		s.regMu.Unlock()

		if registered {
			s.opts.Registrar.Remove(s)
			monitor.ActiveDevices.Dec()
			s.log.Infof("设备下线: %s (%s)", s.dev.Name, s.addr)
			s.bus.PublishDevice(bus.DeviceEvent{
				Kind:       "device.offline",
				DeviceName: s.dev.Name,
				Address:    s.addr,
				Time:       time.Now(),
			})
		} else {
			s.log.Debugf("连接关闭(未注册): %s", s.addr)
		}
	})
}
