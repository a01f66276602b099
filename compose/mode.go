package compose

import (
	"fmt"
	"strings"
)

type ModeKind int

const (
	KindTransparent ModeKind = iota
	KindSolidColor
)

// BackgroundMode 背景处理方式：透明，或填充纯色
//
// 零值即 Transparent。纯色只能通过 SolidColor 构造。
type BackgroundMode struct {
	kind  ModeKind
	color Color
}

func Transparent() BackgroundMode {
	return BackgroundMode{kind: KindTransparent}
}

func SolidColor(c Color) BackgroundMode {
	return BackgroundMode{kind: KindSolidColor, color: c}
}

func (m BackgroundMode) Kind() ModeKind {
	return m.kind
}

// Color 仅在 SolidColor 模式下返回 true
func (m BackgroundMode) Color() (Color, bool) {
	if m.kind != KindSolidColor {
		return Color{}, false
	}
	return m.color, true
}

// Key 用于缓存键
func (m BackgroundMode) Key() string {
	switch m.kind {
	case KindSolidColor:
		return "color:" + m.color.Hex()
	default:
		return "transparent"
	}
}

func (m BackgroundMode) String() string {
	switch m.kind {
	case KindSolidColor:
		return "Custom Color " + m.color.Hex()
	default:
		return "Transparent"
	}
}

// ParseMode 把界面上的选项映射为 BackgroundMode
// option 接受 transparent / color（以及 "Transparent" / "Custom Color"）；
// 选择纯色但 hex 为空时使用白色。
func ParseMode(option, hex string) (BackgroundMode, error) {
	switch strings.ToLower(strings.TrimSpace(option)) {
	case "", "transparent":
		return Transparent(), nil
	case "color", "custom", "custom color", "custom_color":
		if strings.TrimSpace(hex) == "" {
			return SolidColor(White), nil
		}
		c, err := ParseHexColor(hex)
		if err != nil {
			return BackgroundMode{}, err
		}
		return SolidColor(c), nil
	default:
		return BackgroundMode{}, fmt.Errorf("unknown background option %q", option)
	}
}
