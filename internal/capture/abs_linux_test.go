//go:build linux

package capture

import (
	"reflect"
	"testing"
	"unsafe"
)

func TestSetBits(t *testing.T) {
	// ABS_X, ABS_Y, ABS_PRESSURE (0x18) and ABS_MT_POSITION_X (0x35).
	bits := []byte{0x03, 0x00, 0x00, 0x01, 0x00, 0x00, 0x20, 0x00}
	got := setBits(bits, absMax)
	want := []uint16{absX, absY, 0x18, absMTPosX}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("setBits = %v, want %v", got, want)
	}
	if got := setBits([]byte{0xff}, 3); len(got) != 4 {
		t.Errorf("setBits stops at max: got %v", got)
	}
}

func TestMergeAbsLayouts(t *testing.T) {
	keyboard := absLayout{Props: []uint16{0x05}}
	touchpad := absLayout{
		Axes: []absAxis{
			{Code: absX, Info: absInfo{Maximum: 1200, Resolution: 12}},
			{Code: absY, Info: absInfo{Maximum: 800, Resolution: 12}},
		},
		Props: []uint16{0x00, 0x02},
	}
	tablet := absLayout{
		Axes:  []absAxis{{Code: absX, Info: absInfo{Maximum: 30000}}, {Code: 0x18, Info: absInfo{Maximum: 2047}}},
		Props: []uint16{0x00},
	}

	merged := mergeAbsLayouts([]absLayout{keyboard, touchpad, tablet})
	if len(merged.Axes) != 3 {
		t.Fatalf("axes = %+v", merged.Axes)
	}
	if merged.Axes[0].Info.Maximum != 1200 {
		t.Errorf("first device should decide the X range, got %d", merged.Axes[0].Info.Maximum)
	}
	if !reflect.DeepEqual(merged.Props, []uint16{0x00, 0x02}) {
		t.Errorf("props = %v; a device without axes contributes none", merged.Props)
	}

	if !mergeAbsLayouts([]absLayout{keyboard}).empty() {
		t.Error("keyboards alone need no absolute axes")
	}
}

func TestAbsStructLayout(t *testing.T) {
	if n := unsafe.Sizeof(absInfo{}); n != 24 {
		t.Errorf("sizeof(input_absinfo) = %d, want 24", n)
	}
	if n := unsafe.Sizeof(uinputAbsSetup{}); n != 28 {
		t.Errorf("sizeof(uinput_abs_setup) = %d, want 28", n)
	}
}
