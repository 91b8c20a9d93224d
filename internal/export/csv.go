package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/device"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/registry"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
)

// WriteDeviceCSV 把一台设备的采样缓冲落盘为CSV,
// 列为 time_seconds, 传感器1, 传感器2, ...
// 文件名 <deviceName>_<YYYYMMDD-HHMMSS>.csv。
// 各路传感器按下标对齐, 行数取最长一路, 缺口留空。
func WriteDeviceCSV(dir string, dev *device.Device, samples [][]session.Sample, now time.Time) (string, error) {
	filename := fmt.Sprintf("%s_%s.csv", dev.Name, now.Format("20060102-150405"))
	path := filepath.Join(dir, filename)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建导出目录失败: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建CSV文件失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := make([]string, 0, len(dev.Sensors)+1)
	header = append(header, "time_seconds")
	for _, sensor := range dev.Sensors {
		header = append(header, sensor.Name)
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("写CSV表头失败: %w", err)
	}

	rows := 0
	for _, buf := range samples {
		if len(buf) > rows {
			rows = len(buf)
		}
	}

	for i := 0; i < rows; i++ {
		row := make([]string, len(header))
		// 时间列取第一路有该行的传感器
		for _, buf := range samples {
			if i < len(buf) {
				row[0] = strconv.FormatFloat(buf[i].TimeSeconds, 'f', 3, 64)
				break
			}
		}
		for j, buf := range samples {
			if i < len(buf) {
				row[j+1] = strconv.FormatFloat(float64(buf[i].Value), 'f', -1, 32)
			}
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("写CSV数据行失败: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("刷写CSV失败: %w", err)
	}

	return path, nil
}

// ExportAll 导出注册表中全部设备(操作员dump动作)
func ExportAll(dir string, reg *registry.Registry, log *logrus.Logger) []string {
	now := time.Now()
	var paths []string
	for _, s := range reg.Snapshot() {
		path, err := WriteDeviceCSV(dir, s.Device(), s.Samples(), now)
		if err != nil {
			log.Errorf("导出失败 [%s]: %v", s.Name(), err)
			continue
		}
		log.Infof("已导出: %s", path)
		paths = append(paths, path)
	}
	return paths
}
