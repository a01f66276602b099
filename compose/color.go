package compose

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

var ErrInvalidColor = errors.New("invalid color")

// Color 8 位 RGBA 颜色，A 为非预乘 alpha
type Color struct {
	R, G, B, A uint8
}

// White 默认的自定义背景色
var White = Color{R: 255, G: 255, B: 255, A: 255}

// ParseHexColor 解析 #RGB、#RRGGBB、#RRGGBBAA（大小写不敏感，# 可省略）
func ParseHexColor(s string) (Color, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(raw) {
	case 3, 6, 8:
	default:
		return Color{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	if _, err := strconv.ParseUint(raw, 16, 32); err != nil {
		return Color{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}

	alpha := uint8(255)
	if len(raw) == 8 {
		a, _ := strconv.ParseUint(raw[6:], 16, 8)
		alpha = uint8(a)
		raw = raw[:6]
	}

	c, err := colorful.Hex("#" + raw)
	if err != nil {
		return Color{}, fmt.Errorf("%w: %q: %v", ErrInvalidColor, s, err)
	}
	r, g, b := c.RGB255()
	return Color{R: r, G: g, B: b, A: alpha}, nil
}

// RGBA 实现 color.Color
func (c Color) RGBA() (r, g, b, a uint32) {
	return c.NRGBA().RGBA()
}

func (c Color) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

// Opaque 是否完全不透明
func (c Color) Opaque() bool {
	return c.A == 255
}

// Hex 格式化为 #RRGGBB，带透明度时为 #RRGGBBAA
func (c Color) Hex() string {
	if c.Opaque() {
		return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02X%02X%02X%02X", c.R, c.G, c.B, c.A)
}

func (c Color) String() string {
	return c.Hex()
}
