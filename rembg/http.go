package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/util"
	nhttp "github.com/chaos-io/bgremover/util/http"
	"go.uber.org/zap"
)

// HTTPRemBG 调用 rembg server（rembg s）的 /api/remove 接口
type HTTPRemBG struct {
	url     string
	model   string
	timeout time.Duration
	cli     nhttp.IClient
}

func NewHTTPRemBG(cfg config.HTTPRemBGConfig, timeout time.Duration) *HTTPRemBG {
	return &HTTPRemBG{
		url:     cfg.URL,
		model:   cfg.Model,
		timeout: timeout,
		cli:     nhttp.NewHTTPClientWithTimeout(timeout),
	}
}

/*
	curl -X POST "http://localhost:7000/api/remove" \
	  -F "file=@my_image.png" \
	  -F "model=u2net" -o out.png
*/
func (h *HTTPRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if h.model != "" {
		_ = writer.WriteField("model", h.model)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: h.url,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   &out,
		Timeout:    h.timeout,
	}
	start := time.Now()
	if err := h.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	util.L().Debug("rembg server responded",
		zap.String("url", h.url),
		zap.String("model", h.model),
		zap.Int("bytes", len(out)),
		zap.Duration("cost", time.Since(start)))

	return util.DecodeImage(out)
}
