package color

import "testing"

func TestBlackbodyWhitepoint_NeutralAtDaylight(t *testing.T) {
	wp := BlackbodyWhitepoint(6500)
	if wp.R < 0.95 || wp.G < 0.9 || wp.B < 0.9 {
		t.Errorf("6500K should be near-neutral, got %+v", wp)
	}
}

func TestBlackbodyWhitepoint_WarmPullsBlueDown(t *testing.T) {
	for _, kelvin := range []int{2000, 3000, 4000, 5000} {
		wp := BlackbodyWhitepoint(kelvin)
		if wp.B > wp.R {
			t.Errorf("%dK: blue (%f) should not exceed red (%f)", kelvin, wp.B, wp.R)
		}
		if wp.R < 0.99 {
			t.Errorf("%dK: red channel should stay at full scale, got %f", kelvin, wp.R)
		}
	}
}

func TestBlackbodyWhitepoint_Clamped(t *testing.T) {
	for _, kelvin := range []int{1000, 1900, 6500, 10000, 25000} {
		wp := BlackbodyWhitepoint(kelvin)
		for _, ch := range []float64{wp.R, wp.G, wp.B} {
			if ch < 0 || ch > 1 {
				t.Errorf("%dK: channel %f outside [0,1]", kelvin, ch)
			}
		}
	}
}

func TestFillRamp_LayoutAndMonotonicity(t *testing.T) {
	const rampSize = 256
	buf := make([]uint16, 3*rampSize)
	FillRamp(buf, rampSize, BlackbodyWhitepoint(4000), 1.0)

	for ch := 0; ch < 3; ch++ {
		ramp := buf[ch*rampSize : (ch+1)*rampSize]
		if ramp[0] != 0 {
			t.Errorf("channel %d: ramp must start at 0, got %d", ch, ramp[0])
		}
		for i := 1; i < rampSize; i++ {
			if ramp[i] < ramp[i-1] {
				t.Fatalf("channel %d: ramp not monotone at %d: %d < %d", ch, i, ramp[i], ramp[i-1])
			}
		}
	}

	// 4000K: red tops out at full scale, blue well below it.
	if buf[rampSize-1] != 65535 {
		t.Errorf("red ramp should reach 65535, got %d", buf[rampSize-1])
	}
	if blueTop := buf[3*rampSize-1]; blueTop >= buf[rampSize-1] {
		t.Errorf("blue ramp top (%d) should be below red top (%d) at 4000K", blueTop, buf[rampSize-1])
	}
}

func TestFillRamp_NeutralIdentity(t *testing.T) {
	const rampSize = 128
	buf := make([]uint16, 3*rampSize)
	FillRamp(buf, rampSize, Whitepoint{R: 1, G: 1, B: 1}, 1.0)

	if buf[rampSize-1] != 65535 || buf[2*rampSize-1] != 65535 || buf[3*rampSize-1] != 65535 {
		t.Error("identity whitepoint should produce full-scale ramps on every channel")
	}
}

func TestFillRamp_ShortBufferIsNoop(t *testing.T) {
	buf := make([]uint16, 10)
	FillRamp(buf, 256, BlackbodyWhitepoint(4000), 1.0) // must not panic
	for i, v := range buf {
		if v != 0 {
			t.Errorf("short buffer should stay untouched, index %d = %d", i, v)
		}
	}
}
