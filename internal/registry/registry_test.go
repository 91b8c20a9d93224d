package registry_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/bus"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/registry"
	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/testutil"
)

func deviceConfig(name string) string {
	return fmt.Sprintf(`{"deviceName":%q,"deviceType":"Sensor Monitor"}`, name)
}

func TestAddAndLookup(t *testing.T) {
	reg := registry.New()
	b := bus.New()

	s1, d1 := testutil.StartDevice(t, reg, b, nil)
	d1.Handshake(deviceConfig("GSE-1"), 0)
	s2, d2 := testutil.StartDevice(t, reg, b, nil)
	d2.Handshake(deviceConfig("GSE-2"), 0)

	testutil.WaitRegistered(t, reg, "GSE-1")
	testutil.WaitRegistered(t, reg, "GSE-2")

	assert.Equal(t, 2, reg.Len())

	got, ok := reg.GetByAddress(s1.Addr())
	require.True(t, ok)
	assert.Equal(t, s1, got)

	got, ok = reg.GetByName("GSE-2")
	require.True(t, ok)
	assert.Equal(t, s2, got)

	_, ok = reg.GetByName("GSE-9")
	assert.False(t, ok)

	assert.Len(t, reg.Snapshot(), 2)
}

func TestDuplicateAddressRejected(t *testing.T) {
	reg := registry.New()
	b := bus.New()

	s, d := testutil.StartDevice(t, reg, b, nil)
	d.Handshake(deviceConfig("GSE-1"), 0)
	testutil.WaitRegistered(t, reg, "GSE-1")

	require.ErrorIs(t, reg.Add(s), registry.ErrDuplicateAddress)
}

// 会话关闭后注册表槽位释放, 不留僵尸
func TestRemoveOnSessionClose(t *testing.T) {
	reg := registry.New()
	b := bus.New()

	s, d := testutil.StartDevice(t, reg, b, nil)
	d.Handshake(deviceConfig("GSE-1"), 0)
	testutil.WaitRegistered(t, reg, "GSE-1")

	s.Close(nil)

	require.Eventually(t, func() bool {
		_, ok := reg.GetByAddress(s.Addr())
		return !ok && reg.Len() == 0
	}, time.Second, 5*time.Millisecond)

	// 会话确实处于CLOSED
	select {
	case <-s.Done():
	default:
		t.Fatal("注销时会话必须已关闭")
	}
}

// 重复注销是无害的
func TestRemoveIdempotent(t *testing.T) {
	reg := registry.New()
	b := bus.New()

	s, d := testutil.StartDevice(t, reg, b, nil)
	d.Handshake(deviceConfig("GSE-1"), 0)
	testutil.WaitRegistered(t, reg, "GSE-1")

	reg.Remove(s)
	reg.Remove(s)
	assert.Equal(t, 0, reg.Len())
}
