// Package compose 去除图片背景，并可选地把背景替换为纯色
package compose

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chaos-io/bgremover/imgutil"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

// Segmenter 前景/背景分割，返回同尺寸、背景透明的图片
type Segmenter interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

type Stage string

const (
	StageDecode    Stage = "decode"
	StageNormalize Stage = "normalize"
	StageSegment   Stage = "segment"
	StageComposite Stage = "composite"
	StageEncode    Stage = "encode"
)

// ProcessingError 处理失败，对本次交互是终止性的
type ProcessingError struct {
	Stage Stage
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func Fail(stage Stage, err error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return &ProcessingError{Stage: stage, Err: err}
}

type Compositor struct {
	segmenter        Segmenter
	maxInferenceSize int
	reuseInputAlpha  bool
}

type Option func(*Compositor)

// WithMaxInferenceSize 送入分割模型前把最长边缩到 n 以内，结果掩码再放大回原尺寸
func WithMaxInferenceSize(n int) Option {
	return func(c *Compositor) {
		c.maxInferenceSize = n
	}
}

// WithReuseInputAlpha 输入已带透明信息（已抠过的 PNG）时跳过分割
func WithReuseInputAlpha(reuse bool) Option {
	return func(c *Compositor) {
		c.reuseInputAlpha = reuse
	}
}

func NewCompositor(segmenter Segmenter, opts ...Option) *Compositor {
	c := &Compositor{segmenter: segmenter}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize 复制输入并保证带 alpha 通道（没有 alpha 的图补 255）
func Normalize(img image.Image) *image.NRGBA {
	return imgutil.ToNRGBA(img)
}

// Composite 归一化 → 分割 → （可选）铺纯色背景
// 返回图片尺寸与输入一致；输入不会被修改
func (c *Compositor) Composite(ctx context.Context, img image.Image, mode BackgroundMode) (*image.NRGBA, error) {
	if img == nil {
		return nil, Fail(StageNormalize, errors.New("nil image"))
	}
	if img.Bounds().Empty() {
		return nil, Fail(StageNormalize, errors.New("empty image"))
	}
	if c.segmenter == nil {
		return nil, Fail(StageSegment, errors.New("no segmenter configured"))
	}

	src := Normalize(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	fg := src
	if c.reuseInputAlpha && imgutil.HasUsefulAlpha(src) {
		util.L().Debug("input already has alpha, segmentation skipped")
	} else {
		var err error
		if fg, err = c.segment(ctx, src); err != nil {
			return nil, Fail(StageSegment, err)
		}
	}

	switch mode.Kind() {
	case KindTransparent:
		return fg, nil
	case KindSolidColor:
		bg, _ := mode.Color()
		canvas := FillCanvas(image.Rect(0, 0, w, h), bg)
		Over(canvas, fg)
		return canvas, nil
	default:
		return nil, Fail(StageComposite, fmt.Errorf("unknown background mode %d", mode.Kind()))
	}
}

func (c *Compositor) segment(ctx context.Context, src *image.NRGBA) (*image.NRGBA, error) {
	w, h := src.Rect.Dx(), src.Rect.Dy()

	input := imgutil.ResizeWithinMax(src, c.maxInferenceSize)
	if input != src {
		util.L().Debug("downscaled for inference",
			zap.Int("width", w), zap.Int("height", h),
			zap.Int("inference_width", input.Rect.Dx()),
			zap.Int("inference_height", input.Rect.Dy()))
	} else {
		// 分割器拿到的是副本，保证 src 不被外部实现改写
		input = imgutil.ToNRGBA(src)
	}

	out, err := c.segmenter.Remove(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("segmenter returned no image")
	}

	b := out.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return imgutil.ToNRGBA(out), nil
	}

	// 尺寸不一致：只取分割结果的 alpha，放大后套用到原始像素上
	return imgutil.ApplyMask(src, imgutil.AlphaMask(out)), nil
}

// FillCanvas 新建一张填满颜色 bg 的画布
func FillCanvas(rect image.Rectangle, bg Color) *image.NRGBA {
	canvas := image.NewNRGBA(rect)
	px := []uint8{bg.R, bg.G, bg.B, bg.A}
	for i := 0; i < len(canvas.Pix); i += 4 {
		copy(canvas.Pix[i:i+4], px)
	}
	return canvas
}

// Over 以 src 自身 alpha 为掩码把 src 叠加到 dst 上（非预乘，四舍五入）
//
//	out.A = a + bgA·(1-a)
//	out.C = (fg·a + bg·bgA·(1-a)) / out.A
//
// 背景不透明时即 out.C = bg·(1-a) + fg·a。
// dst 与 src 按左上角对齐，只处理两者重叠的区域。
func Over(dst, src *image.NRGBA) {
	w := min(dst.Rect.Dx(), src.Rect.Dx())
	h := min(dst.Rect.Dy(), src.Rect.Dy())

	for y := 0; y < h; y++ {
		drow := y * dst.Stride
		srow := y * src.Stride
		for x := 0; x < w; x++ {
			d := dst.Pix[drow+x*4 : drow+x*4+4 : drow+x*4+4]
			s := src.Pix[srow+x*4 : srow+x*4+4 : srow+x*4+4]

			a := uint32(s[3])
			switch a {
			case 0:
				continue
			case 255:
				copy(d, s)
				continue
			}

			ba := uint32(d[3])
			den := a*255 + ba*(255-a)
			if den == 0 {
				d[0], d[1], d[2], d[3] = 0, 0, 0, 0
				continue
			}
			for i := 0; i < 3; i++ {
				num := uint32(s[i])*a*255 + uint32(d[i])*ba*(255-a)
				d[i] = uint8((num + den/2) / den)
			}
			d[3] = uint8((den + 127) / 255)
		}
	}
}
