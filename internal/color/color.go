package color

import "math"

// Whitepoint is the per-channel scaling factor for a correlated color
// temperature, each channel in [0,1]. Around 6500K all three channels
// are close to 1 (neutral); lower temperatures pull blue and green down.
type Whitepoint struct {
	R float64
	G float64
	B float64
}

// BlackbodyWhitepoint approximates the white point of a black-body
// radiator at the given temperature in Kelvin, using the piecewise
// log/power fit with a knee at 6600K.
func BlackbodyWhitepoint(kelvin int) Whitepoint {
	t := float64(kelvin) / 100.0

	var r, g, b float64

	if t <= 66 {
		r = 255
	} else {
		r = 329.698727446 * math.Pow(t-60, -0.1332047592)
	}

	if t <= 66 {
		g = 99.4708025861*math.Log(t) - 161.1195681661
	} else {
		g = 288.1221695283 * math.Pow(t-60, -0.0755148492)
	}

	if t >= 66 {
		b = 255
	} else if t <= 19 {
		b = 0
	} else {
		b = 138.5177312231*math.Log(t-10) - 305.0447927307
	}

	return Whitepoint{
		R: clamp01(r / 255),
		G: clamp01(g / 255),
		B: clamp01(b / 255),
	}
}

// FillRamp writes three gamma ramps of rampSize entries each into buf,
// laid out red then green then blue. Each channel is a linear ramp
// scaled by the whitepoint channel and raised to 1/gamma. buf must hold
// at least 3*rampSize entries.
func FillRamp(buf []uint16, rampSize int, wp Whitepoint, gamma float64) {
	if rampSize < 2 || len(buf) < 3*rampSize {
		return
	}
	inv := 1.0 / gamma
	for i := 0; i < rampSize; i++ {
		val := float64(i) / float64(rampSize-1)
		buf[i] = rampEntry(val, wp.R, inv)
		buf[i+rampSize] = rampEntry(val, wp.G, inv)
		buf[i+2*rampSize] = rampEntry(val, wp.B, inv)
	}
}

func rampEntry(val, scale, invGamma float64) uint16 {
	v := math.Pow(val*scale, invGamma)
	return uint16(math.Round(clamp01(v) * math.MaxUint16))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
