package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

// 统计指标
type Stats struct {
	TotalSent      int64 // 总发送数
	TotalFailed    int64 // 总失败数
	TotalConnected int64 // 总连接数
	ConnectFailed  int64 // 连接失败数
	ActiveDevices  int64 // 活跃设备数
	TotalBytes     int64 // 总字节数
}

// 模拟设备 - 发送CONFIG后即按间隔推送DATA(不等待握手完成), 后台应答TIMESYNC等命令
type Device struct {
	ID           int
	ServerAddr   string
	SendInterval time.Duration
	Stats        *Stats
	Log          *logrus.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	conn         net.Conn
	boot         time.Time
	seq          uint8
	writeMu      sync.Mutex
}

func NewDevice(id int, serverAddr string, interval time.Duration, stats *Stats, log *logrus.Logger) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{
		ID:           id,
		ServerAddr:   serverAddr,
		SendInterval: interval,
		Stats:        stats,
		Log:          log,
		ctx:          ctx,
		cancel:       cancel,
		boot:         time.Now(),
	}
}

func (d *Device) configJSON() []byte {
	return []byte(fmt.Sprintf(`{
  "deviceName": "STRESS-%04d",
  "deviceType": "Simulated Sensor Monitor",
  "sensorInfo": {
    "pressureTransducers": {
      "PT_0": {"units": "PSI", "pin": 4, "maxPressure_PSI": 1000}
    }
  }
}`, d.ID))
}

func (d *Device) uptimeMS() uint32 {
	return uint32(time.Since(d.boot).Milliseconds())
}

// send 填包头并写出
func (d *Device) send(pkt protocol.Packet) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	h := pkt.Hdr()
	h.Version = protocol.ProtocolVersion
	h.Sequence = d.seq
	d.seq++
	h.Timestamp = d.uptimeMS()

	data := protocol.Encode(pkt)
	d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, err := d.conn.Write(data)
	if err != nil {
		return err
	}
	atomic.AddInt64(&d.Stats.TotalBytes, int64(n))
	return nil
}

// connect 建立连接并发送CONFIG
func (d *Device) connect() error {
	conn, err := net.DialTimeout("tcp", d.ServerAddr, 10*time.Second)
	if err != nil {
		return err
	}
	d.conn = conn

	return d.send(&protocol.ConfigPacket{
		Header:     protocol.Header{Type: protocol.TypeConfig},
		ConfigJSON: d.configJSON(),
	})
}

// respond 应答服务器命令, 保持会话健康
func (d *Device) respond() {
	fr := protocol.NewFrameReader(d.conn, protocol.MaxPacketSize)
	for {
		raw, err := fr.Next()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		h := *pkt.Hdr()

		switch h.Type {
		case protocol.TypeTimeSync, protocol.TypeHeartbeat, protocol.TypeStreamStart,
			protocol.TypeStreamStop, protocol.TypeGetSingle, protocol.TypeControl:
			ack := &protocol.AckPacket{
				Header:  protocol.Header{Type: protocol.TypeAck},
				AckType: h.Type,
				AckSeq:  h.Sequence,
			}
			if d.send(ack) != nil {
				return
			}
		}
	}
}

// Run 运行设备模拟器
func (d *Device) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer d.Stop()

	// 初始连接(带重试)
	var err error
	for retry := 0; retry < 3; retry++ {
		err = d.connect()
		if err == nil {
			break
		}
		d.Log.Warnf("设备 %d 连接失败(重试 %d/3): %v", d.ID, retry+1, err)
		time.Sleep(time.Duration(retry+1) * time.Second)
	}

	if err != nil {
		d.Log.Errorf("设备 %d 连接失败: %v", d.ID, err)
		atomic.AddInt64(&d.Stats.ConnectFailed, 1)
		return
	}

	atomic.AddInt64(&d.Stats.TotalConnected, 1)
	atomic.AddInt64(&d.Stats.ActiveDevices, 1)
	defer atomic.AddInt64(&d.Stats.ActiveDevices, -1)

	d.Log.Debugf("设备 %d 已连接", d.ID)

	go d.respond()

	ticker := time.NewTicker(d.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			pkt := &protocol.DataPacket{
				Header: protocol.Header{Type: protocol.TypeData},
				Readings: []protocol.Reading{
					{SensorID: 0, Unit: protocol.UnitPSI, Value: 450 + rand.Float32()*100},
				},
			}
			if err := d.send(pkt); err != nil {
				atomic.AddInt64(&d.Stats.TotalFailed, 1)
				d.Log.Warnf("设备 %d 发送失败: %v", d.ID, err)
				return
			}
			atomic.AddInt64(&d.Stats.TotalSent, 1)
		}
	}
}

// Stop 停止设备
func (d *Device) Stop() {
	d.cancel()
	if d.conn != nil {
		d.conn.Close()
	}
}

// StressTest 压力测试管理器
type StressTest struct {
	ServerAddr   string
	NumDevices   int
	SendInterval time.Duration
	Duration     time.Duration
	BatchSize    int // 分批启动大小
	BatchDelay   time.Duration
	Stats        *Stats
	Devices      []*Device
	Log          *logrus.Logger
}

func NewStressTest(serverAddr string, numDevices int, sendInterval, duration time.Duration, batchSize int, batchDelay time.Duration) *StressTest {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &StressTest{
		ServerAddr:   serverAddr,
		NumDevices:   numDevices,
		SendInterval: sendInterval,
		Duration:     duration,
		BatchSize:    batchSize,
		BatchDelay:   batchDelay,
		Stats:        &Stats{},
		Devices:      make([]*Device, 0, numDevices),
		Log:          log,
	}
}

// Run 运行压力测试
func (st *StressTest) Run() {
	st.Log.Infof("========================================")
	st.Log.Infof("压力测试开始")
	st.Log.Infof("========================================")
	st.Log.Infof("服务器地址: %s", st.ServerAddr)
	st.Log.Infof("设备数量:   %d", st.NumDevices)
	st.Log.Infof("发送间隔:   %v", st.SendInterval)
	st.Log.Infof("测试时长:   %v", st.Duration)
	st.Log.Infof("分批大小:   %d", st.BatchSize)
	st.Log.Infof("分批延迟:   %v", st.BatchDelay)
	st.Log.Infof("========================================")

	// 启动统计监控
	stopMonitor := make(chan struct{})
	go st.monitorStats(stopMonitor)

	// 信号处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 分批启动设备
	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < st.NumDevices; i++ {
		device := NewDevice(i+1, st.ServerAddr, st.SendInterval, st.Stats, st.Log)
		st.Devices = append(st.Devices, device)

		wg.Add(1)
		go device.Run(&wg)

		// 分批控制
		if (i+1)%st.BatchSize == 0 {
			st.Log.Infof("已启动 %d/%d 设备 (%.1f%%)...",
				i+1, st.NumDevices, float64(i+1)/float64(st.NumDevices)*100)
			time.Sleep(st.BatchDelay)
		}
	}

	st.Log.Infof("所有设备启动完成, 用时: %v", time.Since(startTime))

	// 等待测试时长或信号
	if st.Duration > 0 {
		select {
		case <-time.After(st.Duration):
			st.Log.Infof("测试时长到达, 准备停止...")
		case sig := <-sigChan:
			st.Log.Infof("收到信号 %v, 准备停止...", sig)
		}
	} else {
		sig := <-sigChan
		st.Log.Infof("收到信号 %v, 准备停止...", sig)
	}

	// 停止所有设备
	st.Stop()
	wg.Wait()
	close(stopMonitor)

	st.printFinalStats()
}

// Stop 停止所有设备
func (st *StressTest) Stop() {
	st.Log.Infof("正在停止所有设备...")
	for _, device := range st.Devices {
		device.Stop()
	}
}

// monitorStats 监控统计信息
func (st *StressTest) monitorStats(stopChan chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastSent := int64(0)
	lastBytes := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			duration := now.Sub(lastTime).Seconds()

			currentSent := atomic.LoadInt64(&st.Stats.TotalSent)
			currentBytes := atomic.LoadInt64(&st.Stats.TotalBytes)
			activeDev := atomic.LoadInt64(&st.Stats.ActiveDevices)
			totalFailed := atomic.LoadInt64(&st.Stats.TotalFailed)

			qps := float64(currentSent-lastSent) / duration
			bps := float64(currentBytes-lastBytes) / duration / 1024

			st.Log.Infof("活跃: %d | 已发送: %d | 发送失败: %d | QPS: %.0f | 带宽: %.2f KB/s",
				activeDev, currentSent, totalFailed, qps, bps)

			lastSent = currentSent
			lastBytes = currentBytes
			lastTime = now
		}
	}
}

// printFinalStats 打印最终统计
func (st *StressTest) printFinalStats() {
	st.Log.Infof("========================================")
	st.Log.Infof("压力测试完成")
	st.Log.Infof("========================================")

	totalConn := atomic.LoadInt64(&st.Stats.TotalConnected)
	connectFailed := atomic.LoadInt64(&st.Stats.ConnectFailed)
	totalSent := atomic.LoadInt64(&st.Stats.TotalSent)
	totalFailed := atomic.LoadInt64(&st.Stats.TotalFailed)
	totalBytes := atomic.LoadInt64(&st.Stats.TotalBytes)

	st.Log.Infof("目标设备数: %d", st.NumDevices)
	st.Log.Infof("成功连接:   %d", totalConn)
	st.Log.Infof("连接失败:   %d", connectFailed)
	st.Log.Infof("总发送数:   %d", totalSent)
	st.Log.Infof("发送失败:   %d", totalFailed)
	st.Log.Infof("总字节数:   %.2f MB", float64(totalBytes)/1024/1024)

	if totalSent+totalFailed > 0 {
		sendSuccessRate := float64(totalSent) / float64(totalSent+totalFailed) * 100
		st.Log.Infof("发送成功率: %.2f%%", sendSuccessRate)
	}

	st.Log.Infof("========================================")
}

func main() {
	serverAddr := flag.String("server", "localhost:50000", "服务器地址")
	numDevices := flag.Int("devices", 20, "设备数量")
	sendInterval := flag.Duration("interval", 100*time.Millisecond, "发送间隔")
	duration := flag.Duration("duration", 60*time.Second, "测试时长(0表示手动停止)")
	batchSize := flag.Int("batch", 10, "分批启动大小")
	batchDelay := flag.Duration("delay", 100*time.Millisecond, "分批延迟")
	debug := flag.Bool("debug", false, "调试模式")
	flag.Parse()

	st := NewStressTest(*serverAddr, *numDevices, *sendInterval, *duration, *batchSize, *batchDelay)

	if *debug {
		st.Log.SetLevel(logrus.DebugLevel)
	}

	st.Run()
}
