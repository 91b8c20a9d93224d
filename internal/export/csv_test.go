package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/device"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
)

const exportConfig = `{
  "deviceName": "GSE-1",
  "deviceType": "Sensor Monitor",
  "sensorInfo": {
    "thermocouples": {"TC_1": {"units": "degC"}},
    "pressureTransducers": {"PT_1": {"units": "PSI"}}
  }
}`

func TestWriteDeviceCSV(t *testing.T) {
	dev, err := device.FromConfigJSON("addr", []byte(exportConfig))
	require.NoError(t, err)

	samples := [][]session.Sample{
		{
			{TimeSeconds: 100.000, Value: 21.5},
			{TimeSeconds: 100.100, Value: 21.6},
		},
		{
			{TimeSeconds: 100.000, Value: 502},
		},
	}

	dir := t.TempDir()
	now := time.Date(2025, 8, 2, 14, 30, 5, 0, time.UTC)
	path, err := WriteDeviceCSV(dir, dev, samples, now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "GSE-1_20250802-143005.csv"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"time_seconds", "TC_1", "PT_1"}, rows[0])
	assert.Equal(t, []string{"100.000", "21.5", "502"}, rows[1])
	// 第二路没有第二行采样, 缺口留空
	assert.Equal(t, []string{"100.100", "21.6", ""}, rows[2])
}

func TestWriteDeviceCSVEmpty(t *testing.T) {
	dev, err := device.FromConfigJSON("addr", []byte(exportConfig))
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := WriteDeviceCSV(dir, dev, [][]session.Sample{nil, nil}, time.Now())
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1) // 只有表头
}
