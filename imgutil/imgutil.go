// Package imgutil 提供 NRGBA 转换、缩放与 alpha 掩码等通用图像操作
package imgutil

import (
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ToNRGBA 复制为原点在 (0,0) 的 NRGBA，不修改输入
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// asNRGBA 已经是原点在 (0,0) 的 NRGBA 时直接返回，否则复制
func asNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	return ToNRGBA(img)
}

// HasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
func HasUsefulAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// IsOpaque 所有像素 alpha 都为 255
func IsOpaque(img *image.NRGBA) bool {
	return !HasUsefulAlpha(img)
}

// HasVaryingAlpha alpha 通道中至少存在两种不同取值
func HasVaryingAlpha(img *image.NRGBA) bool {
	if len(img.Pix) < 4 {
		return false
	}
	first := img.Pix[3]
	for i := 7; i < len(img.Pix); i += 4 {
		if img.Pix[i] != first {
			return true
		}
	}
	return false
}

// ResizeWithinMax 缩放（最长边 <= maxSize），maxSize <= 0 表示不限制
func ResizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	return asNRGBA(resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3))
}

// AlphaMask 取出 alpha 通道作为灰度掩码
func AlphaMask(img image.Image) *image.Gray {
	src := asNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := y * src.Stride
		for x := 0; x < w; x++ {
			mask.Pix[y*mask.Stride+x] = src.Pix[row+x*4+3]
		}
	}
	return mask
}

// LumaMask 把任意图片的亮度作为掩码（白 = 前景，黑 = 背景）
func LumaMask(img image.Image) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(mask, mask.Bounds(), img, b.Min, draw.Src)
	return mask
}

// ResizeMask 把掩码缩放到指定尺寸，尺寸一致时原样返回
func ResizeMask(mask *image.Gray, w, h int) *image.Gray {
	if mask.Rect.Dx() == w && mask.Rect.Dy() == h {
		return mask
	}
	resized := resize.Resize(uint(w), uint(h), mask, resize.Bilinear)
	if gray, ok := resized.(*image.Gray); ok && gray.Rect.Min == (image.Point{}) {
		return gray
	}
	return LumaMask(resized)
}

// ApplyMask 返回一份新图，alpha = 原 alpha × mask / 255
// mask 尺寸与 img 不同时先缩放到 img 的尺寸
func ApplyMask(img image.Image, mask *image.Gray) *image.NRGBA {
	out := ToNRGBA(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()
	mask = ResizeMask(mask, w, h)

	for y := 0; y < h; y++ {
		row := y * out.Stride
		mrow := y * mask.Stride
		for x := 0; x < w; x++ {
			i := row + x*4 + 3
			out.Pix[i] = uint8((uint32(out.Pix[i])*uint32(mask.Pix[mrow+x]) + 127) / 255)
		}
	}
	return out
}
