package device

import "math"

// Color is an HSV colour. Hue is in degrees [0, 360), saturation and value
// are fractions in [0, 1].
type Color struct {
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Value      float64 `json:"value"`
}

// WithValue returns c with its brightness replaced.
func (c Color) WithValue(v float64) Color {
	c.Value = clamp01(v)
	return c
}

// RGB converts to 8-bit red, green and blue.
func (c Color) RGB() (r, g, b uint8) {
	h := math.Mod(c.Hue, 360)
	if h < 0 {
		h += 360
	}
	s, v := clamp01(c.Saturation), clamp01(c.Value)

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - chroma

	var rf, gf, bf float64
	switch {
	case h < 60:
		rf, gf, bf = chroma, x, 0
	case h < 120:
		rf, gf, bf = x, chroma, 0
	case h < 180:
		rf, gf, bf = 0, chroma, x
	case h < 240:
		rf, gf, bf = 0, x, chroma
	case h < 300:
		rf, gf, bf = x, 0, chroma
	default:
		rf, gf, bf = chroma, 0, x
	}
	return toByte(rf + m), toByte(gf + m), toByte(bf + m)
}

// ColorFromRGB converts 8-bit RGB to HSV.
func ColorFromRGB(r, g, b uint8) Color {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	delta := maxC - minC

	var h float64
	switch {
	case delta == 0:
		h = 0
	case maxC == rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case maxC == gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	var s float64
	if maxC > 0 {
		s = delta / maxC
	}
	return Color{Hue: h, Saturation: s, Value: maxC}
}

func toByte(f float64) uint8 {
	return uint8(math.Round(clamp01(f) * 255))
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
