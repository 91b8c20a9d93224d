package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/bus"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/config"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/discovery"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/monitor"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/registry"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/storage"
)

// TCPServer 接入器: 监听50000端口, 每条连接交给一个新会话。
// 单条连接出错只影响该会话, 接入循环与发现循环永不因此退出。
type TCPServer struct {
	config   *config.Config
	listener net.Listener
	registry *registry.Registry
	bus      *bus.Bus
	searcher *discovery.Searcher
	storage  *storage.MessageQueue
	monitor  *monitor.Monitor
	log      *logrus.Logger
	limiter  chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	cancel   context.CancelFunc
}

func NewTCPServer(cfg *config.Config, log *logrus.Logger) (*TCPServer, error) {
	// 事件总线与日志转发钩子
	b := bus.New()
	log.AddHook(bus.NewHook(b))

	// Redis边车转发(数据/日志/设备事件)
	mq, err := storage.NewMessageQueue(cfg.Services.Redis, log)
	if err != nil {
		return nil, err
	}

	// SSDP发现广播
	searcher, err := discovery.NewSearcher(log)
	if err != nil {
		mq.Close()
		return nil, err
	}

	// 监控
	mon := monitor.NewMonitor(log)

	return &TCPServer{
		config:   cfg,
		registry: registry.New(),
		bus:      b,
		searcher: searcher,
		storage:  mq,
		monitor:  mon,
		log:      log,
		limiter:  make(chan struct{}, cfg.Server.MaxConnections),
		shutdown: make(chan struct{}),
	}, nil
}

// Registry 暴露注册表给调度适配层
func (s *TCPServer) Registry() *registry.Registry { return s.registry }

// Bus 暴露事件总线给外部消费者
func (s *TCPServer) Bus() *bus.Bus { return s.bus }

// Discover 触发一次发现广播(操作员discover动作)
func (s *TCPServer) Discover() error { return s.searcher.Broadcast() }

func (s *TCPServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// 启动监控
	if s.config.Monitor.Enabled {
		s.monitor.StartMetricsServer(s.config.Monitor.MetricsPort)
		s.monitor.StartRuntimeMonitor()
	}

	// 启动Redis转发
	go s.storage.Run(ctx, s.bus)

	// 监听TCP端口
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	s.listener = listener
	s.log.Infof("服务器启动成功: %s (最大连接: %d)", addr, s.config.Server.MaxConnections)

	// 启动时广播一轮发现, 之后按配置周期性广播(默认禁用)
	if err := s.searcher.Broadcast(); err != nil {
		s.log.Errorf("启动发现广播失败: %v", err)
	}
	s.searcher.Start(ctx, s.config.Server.DiscoveryPeriod)

	// 优雅退出处理
	go s.handleShutdown()

	// 接受连接
	for {
		select {
		case <-s.shutdown:
			s.log.Info("停止接受新连接")
			return nil
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				s.log.Errorf("接受连接错误: %v", err)
				continue
			}
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			go s.handleConnection(conn)
		default:
			s.log.Warn("达到最大连接数, 拒绝连接")
			conn.Close()
		}
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		<-s.limiter
		s.wg.Done()
	}()

	monitor.TotalConnections.Inc()
	s.log.Infof("新连接: %s", conn.RemoteAddr())

	// 小包低延迟优先
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	sess := session.New(conn, session.Options{
		Log:              s.log,
		Bus:              s.bus,
		Registrar:        s.registry,
		HandshakeTimeout: s.config.Server.HandshakeTimeout,
		AckTimeout:       s.config.Server.AckTimeout,
		WriteTimeout:     s.config.Server.WriteTimeout,
		MaxConfigBytes:   s.config.Server.MaxConfigBytes,
		StrictTimestamps: s.config.Server.StrictTimestamps,
	})
	sess.Run()
}

func (s *TCPServer) handleShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.log.Infof("收到信号: %v, 开始优雅关闭...", sig)

	close(s.shutdown)

	// 停止接受新连接
	if s.listener != nil {
		s.listener.Close()
	}

	// 关闭所有会话并等待退出(最多30秒)
	for _, sess := range s.registry.Snapshot() {
		sess.Close(nil)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("所有连接已关闭")
	case <-time.After(30 * time.Second):
		s.log.Warn("关闭超时, 强制退出")
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.searcher.Close()

	// 关闭存储连接
	if err := s.storage.Close(); err != nil {
		s.log.Errorf("关闭存储连接失败: %v", err)
	}

	s.log.Info("服务器已关闭")
	os.Exit(0)
}
