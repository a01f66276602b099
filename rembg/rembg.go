// Package rembg 封装外部的前景/背景分割服务
//
// 所有实现都返回与输入同尺寸（或可被放大回原尺寸）的图片，背景像素的 alpha 为 0。
package rembg

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/chaos-io/bgremover/config"
)

const (
	BackendNone    = "none"
	BackendHTTP    = "http"
	BackendComfyUI = "comfyui"
	BackendCommand = "command"
	BackendGemini  = "gemini"
)

type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// DefaultRemBG 不做分割，原样返回（保留输入自带的 alpha）
type DefaultRemBG struct{}

func NewDefaultRemBG() *DefaultRemBG {
	return &DefaultRemBG{}
}

func (d *DefaultRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return img, nil
}

// New 根据配置创建分割器
func New(ctx context.Context, cfg *config.RemBGConfig) (Remover, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendNone, "":
		return NewDefaultRemBG(), nil
	case BackendHTTP:
		return NewHTTPRemBG(cfg.HTTP, cfg.Timeout), nil
	case BackendComfyUI:
		return NewComfyUIRemBG(cfg.ComfyUI, cfg.Timeout)
	case BackendCommand:
		return NewCommandRemBG(cfg.Command, cfg.Timeout), nil
	case BackendGemini:
		return NewGeminiRemBG(ctx, cfg.Gemini, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown rembg backend %q", cfg.Backend)
	}
}
