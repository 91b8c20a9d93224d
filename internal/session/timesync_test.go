package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// S6场景: 锚点(T_d=10000, U_s=100.000s), 之后的设备时间戳按差值投影
func TestAnchorProject(t *testing.T) {
	a := Anchor{DeviceMS: 10000, ServerSeconds: 100.0, Established: true}

	assert.InDelta(t, 100.5, a.Project(10500), 1e-9)
	assert.InDelta(t, 100.0, a.Project(10000), 1e-9)
	assert.InDelta(t, 99.0, a.Project(9000), 1e-9)
}

// u32回绕下的带符号差值
func TestAnchorProjectWrapAround(t *testing.T) {
	a := Anchor{DeviceMS: 200, ServerSeconds: 100.0, Established: true}

	// 4294967196 = 200 - 300 (mod 2^32) -> 差值-300ms
	assert.InDelta(t, 99.7, a.Project(4294967196), 1e-9)

	// 锚点在回绕点附近, 设备时间戳越过零
	b := Anchor{DeviceMS: 4294967000, ServerSeconds: 50.0, Established: true}
	assert.InDelta(t, 50.796, b.Project(500), 1e-9)
}

// 单调性: 设备时间戳按回绕意义非降, 投影结果非降
func TestAnchorProjectMonotonic(t *testing.T) {
	a := Anchor{DeviceMS: 4294966000, ServerSeconds: 10.0, Established: true}

	stamps := []uint32{4294966000, 4294966500, 4294967290, 100, 700, 1300}
	last := a.Project(stamps[0])
	for _, ts := range stamps[1:] {
		cur := a.Project(ts)
		assert.GreaterOrEqual(t, cur, last, "时间戳%d", ts)
		last = cur
	}
}

func TestMonotonicClock(t *testing.T) {
	s1 := MonotonicSeconds()
	s2 := MonotonicSeconds()
	assert.GreaterOrEqual(t, s2, s1)
}
