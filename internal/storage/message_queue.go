package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/bus"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/config"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/monitor"
)

// Redis通道名, 与日志/数据聚合边车约定
const (
	ChannelData    = "data"
	ChannelDevices = "devices"
	ChannelLog     = "log"
	ChannelSyslog  = "syslog"
	ChannelErrlog  = "errlog"
	ChannelDebug   = "debuglog"
)

// MessageQueue 把事件总线上的数据/日志/设备事件转发到Redis Pub/Sub,
// 供GUI数据流与日志聚合边车消费。转发失败只计数不回压。
type MessageQueue struct {
	client *redis.Client
	log    *logrus.Logger
}

// NewMessageQueue 连接Redis并校验连通性
func NewMessageQueue(cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	return &MessageQueue{client: client, log: log}, nil
}

// Run 订阅总线并持续转发, ctx取消后返回。
// 每类事件一条有界订阅队列, 消费不及时总线直接丢弃,
// 设备读循环永不被这里拖慢。
func (mq *MessageQueue) Run(ctx context.Context, b *bus.Bus) {
	dataCh, cancelData := b.SubscribeData(4096)
	logCh, cancelLog := b.SubscribeLog(4096)
	devCh, cancelDev := b.SubscribeDevice(64)
	defer cancelData()
	defer cancelLog()
	defer cancelDev()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-dataCh:
			mq.publishData(ctx, ev)

		case ev := <-logCh:
			mq.publishLog(ctx, ev)

		case ev := <-devCh:
			mq.publishJSON(ctx, ChannelDevices, ev)
		}
	}
}

// publishData 发布一条读数, 同时写入设备最近数据List(保留最近1000条)
func (mq *MessageQueue) publishData(ctx context.Context, ev bus.DataEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		mq.log.Errorf("序列化数据事件失败: %v", err)
		return
	}

	if err := mq.client.Publish(ctx, ChannelData, payload).Err(); err != nil {
		monitor.PublishErrors.Inc()
		mq.log.Debugf("发布数据事件失败: %v", err)
		return
	}

	listKey := fmt.Sprintf("device:%s:data", ev.DeviceName)
	if err := mq.client.LPush(ctx, listKey, payload).Err(); err != nil {
		mq.log.Debugf("保存到List失败: %v", err)
		return
	}
	mq.client.LTrim(ctx, listKey, 0, 999)
}

// publishLog 按级别映射到日志聚合端约定的通道
func (mq *MessageQueue) publishLog(ctx context.Context, ev bus.LogEvent) {
	channel := ChannelLog
	switch ev.Level {
	case "system":
		channel = ChannelSyslog
	case "error":
		channel = ChannelErrlog
	case "debug":
		channel = ChannelDebug
	}

	line := fmt.Sprintf("[%s] %s", ev.Time.Format("2006-01-02 15:04:05"), ev.Message)
	if err := mq.client.Publish(ctx, channel, line).Err(); err != nil {
		monitor.PublishErrors.Inc()
	}
}

func (mq *MessageQueue) publishJSON(ctx context.Context, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		mq.log.Errorf("序列化事件失败: %v", err)
		return
	}
	if err := mq.client.Publish(ctx, channel, payload).Err(); err != nil {
		monitor.PublishErrors.Inc()
		mq.log.Debugf("发布事件失败: %v", err)
	}
}

// Close 关闭Redis连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}
