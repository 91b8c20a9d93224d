package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// 配置解析错误
var (
	ErrNotObject     = errors.New("配置不是JSON对象")
	ErrMissingName   = errors.New("配置缺少deviceName")
	ErrMissingType   = errors.New("配置缺少deviceType")
	ErrBadDescriptor = errors.New("传感器/控制描述符不合法")
)

// 传感器类别, sensor_id按此顺序分配: 热电偶 -> 压力变送器 -> 称重传感器
const (
	CategoryThermocouple       = "thermocouple"
	CategoryPressureTransducer = "pressureTransducer"
	CategoryLoadCell           = "loadCell"
)

// Sensor 一路传感器, 下标即DATA包中的sensor_id
type Sensor struct {
	Name     string
	Category string
	Units    string
	Extras   map[string]json.RawMessage // 设备自述的其余字段, 原样保留
}

// Control 一路控制(阀门等), 下标即CONTROL包中的cmd_id
type Control struct {
	Name         string
	Pin          int
	Kind         string
	DefaultState string // "OPEN" 或 "CLOSED"
	State        string // 服务器侧记录的当前状态
}

// Device 一台已完成CONFIG握手的ESP设备
type Device struct {
	Name     string
	Kind     string
	Address  string // TCP对端地址, 注册表主键
	Sensors  []Sensor
	Controls []Control
	Raw      map[string]json.RawMessage // 完整配置, 未知字段原样保留
}

// SensorIndex 按名称查传感器下标, 不存在返回-1
func (d *Device) SensorIndex(name string) int {
	for i := range d.Sensors {
		if d.Sensors[i].Name == name {
			return i
		}
	}
	return -1
}

// ControlIndex 按名称查控制下标(不区分大小写), 不存在返回-1
func (d *Device) ControlIndex(name string) int {
	for i := range d.Controls {
		if strings.EqualFold(d.Controls[i].Name, name) {
			return i
		}
	}
	return -1
}

// ResetControls 将全部控制记录为默认态(ESTOP后调用)
func (d *Device) ResetControls() {
	for i := range d.Controls {
		d.Controls[i].State = d.Controls[i].DefaultState
	}
}

// FromConfigJSON 从设备发来的CONFIG JSON构建设备模型。
// 只校验必要形状(deviceName/deviceType/units/defaultState),
// 其余字段作为不透明描述符保留。传感器与控制的下标在此固定,
// 之后不再变化。
func FromConfigJSON(address string, raw []byte) (*Device, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}

	var name string
	if v, ok := top["deviceName"]; !ok || json.Unmarshal(v, &name) != nil || name == "" {
		return nil, ErrMissingName
	}
	var kind string
	if v, ok := top["deviceType"]; !ok || json.Unmarshal(v, &kind) != nil || kind == "" {
		return nil, ErrMissingType
	}

	dev := &Device{
		Name:    name,
		Kind:    kind,
		Address: address,
		Raw:     top,
	}

	// 传感器: 固定按 thermocouples -> pressureTransducers -> loadCells 遍历,
	// 类别内保持JSON文本中的键序, 保证sensor_id与设备固件一致
	if si, ok := top["sensorInfo"]; ok {
		var sections map[string]json.RawMessage
		if err := json.Unmarshal(si, &sections); err != nil {
			return nil, fmt.Errorf("%w: sensorInfo: %v", ErrBadDescriptor, err)
		}
		for _, sec := range []struct {
			key      string
			category string
		}{
			{"thermocouples", CategoryThermocouple},
			{"pressureTransducers", CategoryPressureTransducer},
			{"loadCells", CategoryLoadCell},
		} {
			blob, ok := sections[sec.key]
			if !ok {
				continue
			}
			entries, err := orderedObject(blob)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrBadDescriptor, sec.key, err)
			}
			for _, e := range entries {
				var fields map[string]json.RawMessage
				if err := json.Unmarshal(e.value, &fields); err != nil {
					return nil, fmt.Errorf("%w: %s.%s: %v", ErrBadDescriptor, sec.key, e.key, err)
				}
				var units string
				if v, ok := fields["units"]; !ok || json.Unmarshal(v, &units) != nil {
					return nil, fmt.Errorf("%w: %s.%s缺少units", ErrBadDescriptor, sec.key, e.key)
				}
				dev.Sensors = append(dev.Sensors, Sensor{
					Name:     e.key,
					Category: sec.category,
					Units:    units,
					Extras:   fields,
				})
			}
		}
	}

	// 控制: 保持JSON文本中的键序, cmd_id与设备固件一致
	if cb, ok := top["controls"]; ok {
		entries, err := orderedObject(cb)
		if err != nil {
			return nil, fmt.Errorf("%w: controls: %v", ErrBadDescriptor, err)
		}
		for _, e := range entries {
			var ctl struct {
				Pin          int    `json:"pin"`
				Type         string `json:"type"`
				DefaultState string `json:"defaultState"`
			}
			if err := json.Unmarshal(e.value, &ctl); err != nil {
				return nil, fmt.Errorf("%w: controls.%s: %v", ErrBadDescriptor, e.key, err)
			}
			state := strings.ToUpper(ctl.DefaultState)
			if state != "OPEN" && state != "CLOSED" {
				return nil, fmt.Errorf("%w: controls.%s defaultState=%q", ErrBadDescriptor, e.key, ctl.DefaultState)
			}
			dev.Controls = append(dev.Controls, Control{
				Name:         e.key,
				Pin:          ctl.Pin,
				Kind:         ctl.Type,
				DefaultState: state,
				State:        state,
			})
		}
	}

	return dev, nil
}

type orderedEntry struct {
	key   string
	value json.RawMessage
}

// orderedObject 按JSON文本中的出现顺序解出对象键值。
// encoding/json的map不保序, 这里用token流保住固件写出的顺序。
func orderedObject(blob json.RawMessage) ([]orderedEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(blob))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("期望JSON对象")
	}

	var entries []orderedEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("非法对象键")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		entries = append(entries, orderedEntry{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return entries, nil
}
