package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	MulticastAddress = "239.255.255.250"
	MulticastPort    = 1900

	// 设备侧匹配的搜索目标
	SearchTarget = "urn:qretprop:espdevice:1"
	UserAgent    = "QRET/1.0"
)

// Searcher SSDP发现广播器。只发不收:
// 设备收到M-SEARCH后直接向UDP源地址发起TCP连接,
// 服务器不处理任何SSDP应答。广播是幂等的。
type Searcher struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
	log  *logrus.Logger
}

// NewSearcher 创建发现广播器(UDP套接字不绑定固定端口)
func NewSearcher(log *logrus.Logger) (*Searcher, error) {
	dst := &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: MulticastPort}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("创建SSDP套接字失败: %w", err)
	}
	log.Infof("SSDP广播套接字就绪: %s:%d", MulticastAddress, MulticastPort)
	return &Searcher{conn: conn, dst: dst, log: log}, nil
}

// searchRequest 构造M-SEARCH报文
func searchRequest() string {
	return "M-SEARCH * HTTP/1.1\r\n" +
		fmt.Sprintf("HOST: %s:%d\r\n", MulticastAddress, MulticastPort) +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n" +
		fmt.Sprintf("ST: %s\r\n", SearchTarget) +
		fmt.Sprintf("USER-AGENT: %s\r\n", UserAgent) +
		"\r\n"
}

// Broadcast 发送一次M-SEARCH组播
func (s *Searcher) Broadcast() error {
	s.log.Debug("发送SSDP组播发现请求")

	if _, err := s.conn.WriteToUDP([]byte(searchRequest()), s.dst); err != nil {
		return fmt.Errorf("发送SSDP请求失败: %w", err)
	}
	return nil
}

// Start 启动周期性广播, interval<=0时禁用(默认禁用)
func (s *Searcher) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Broadcast(); err != nil {
					s.log.Errorf("周期性发现广播失败: %v", err)
				}
			}
		}
	}()
}

// Close 关闭广播套接字
func (s *Searcher) Close() error {
	return s.conn.Close()
}
