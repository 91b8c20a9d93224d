package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/registry"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/pkg/protocol"
)

// 调度错误
var (
	ErrNoSuchDevice = errors.New("设备不存在")
	ErrNoSuchName   = errors.New("控制名不存在")
	ErrInvalidParam = errors.New("非法参数")
)

// Dispatcher 把外部调用(REST/CLI适配层)路由到目标会话,
// 并等待关联的ACK/NACK或STATUS响应。
type Dispatcher struct {
	reg *registry.Registry
	log *logrus.Logger
}

// New 创建调度器
func New(reg *registry.Registry, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, log: log}
}

// resolve 按设备名解析会话
func (d *Dispatcher) resolve(name string) (*session.Session, error) {
	s, ok := d.reg.GetByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	return s, nil
}

// Status 请求设备状态
func (d *Dispatcher) Status(ctx context.Context, deviceName string) (uint8, error) {
	s, err := d.resolve(deviceName)
	if err != nil {
		return 0, err
	}
	return s.RequestStatus(ctx)
}

// GetSingle 请求单次采样。设备回ACK, 采样值走DATA通路与事件总线。
func (d *Dispatcher) GetSingle(ctx context.Context, deviceName string) error {
	s, err := d.resolve(deviceName)
	if err != nil {
		return err
	}
	_, err = s.Request(ctx, &protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeGetSingle}})
	return err
}

// StartStream 启动数据流, hz取值1..65535
func (d *Dispatcher) StartStream(ctx context.Context, deviceName string, hz uint16) error {
	if hz == 0 {
		return fmt.Errorf("%w: 频率必须在1..65535之间", ErrInvalidParam)
	}
	s, err := d.resolve(deviceName)
	if err != nil {
		return err
	}
	if _, err := s.Request(ctx, &protocol.StreamStartPacket{
		Header:      protocol.Header{Type: protocol.TypeStreamStart},
		FrequencyHz: hz,
	}); err != nil {
		return err
	}
	s.SetStreaming(true, hz)
	d.log.Infof("已启动数据流: %s @ %dHz", deviceName, hz)
	return nil
}

// StopStream 停止数据流
func (d *Dispatcher) StopStream(ctx context.Context, deviceName string) error {
	s, err := d.resolve(deviceName)
	if err != nil {
		return err
	}
	if _, err := s.Request(ctx, &protocol.SimplePacket{Header: protocol.Header{Type: protocol.TypeStreamStop}}); err != nil {
		return err
	}
	s.SetStreaming(false, 0)
	d.log.Infof("已停止数据流: %s", deviceName)
	return nil
}

// Control 下发控制命令。控制名不存在时不触碰网络。
func (d *Dispatcher) Control(ctx context.Context, deviceName, controlName string, open bool) error {
	s, err := d.resolve(deviceName)
	if err != nil {
		return err
	}
	idx := s.Device().ControlIndex(controlName)
	if idx < 0 {
		return fmt.Errorf("%w: %s (可用: %s)", ErrNoSuchName, controlName,
			strings.Join(controlNames(s), ", "))
	}

	state := uint8(protocol.ControlClosed)
	stateName := "CLOSED"
	if open {
		state = protocol.ControlOpen
		stateName = "OPEN"
	}

	if _, err := s.Request(ctx, &protocol.ControlPacket{
		Header:       protocol.Header{Type: protocol.TypeControl},
		CommandID:    uint8(idx),
		CommandState: state,
	}); err != nil {
		return err
	}
	s.SetControlState(idx, stateName)
	d.log.Infof("控制已确认: %s %s -> %s", deviceName, controlName, stateName)
	return nil
}

// EStopAll 向所有已注册设备广播紧急停止。
// 不等任何ACK, 全部写出即返回; 单台失败不阻止其余设备。
func (d *Dispatcher) EStopAll() error {
	sessions := d.reg.Snapshot()
	var firstErr error
	for _, s := range sessions {
		if err := s.EStop(); err != nil {
			d.log.Errorf("ESTOP下发失败 [%s]: %v", s.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.log.Warnf("ESTOP广播完成: %d台设备", len(sessions))
	return firstErr
}

// List 返回已注册设备名
func (d *Dispatcher) List() []string {
	sessions := d.reg.Snapshot()
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		names = append(names, s.Name())
	}
	return names
}

func controlNames(s *session.Session) []string {
	controls := s.Device().Controls
	names := make([]string, len(controls))
	for i := range controls {
		names[i] = controls[i].Name
	}
	return names
}
