package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/imgutil"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultMaskPrompt = "Generate a black and white segmentation mask of this image at exactly the same size. " +
	"Paint the main foreground subject pure white and everything else pure black. Output only the mask image."

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiRemBG 让 Gemini 图像模型生成黑白掩码，再把掩码亮度作为 alpha
type GeminiRemBG struct {
	model   string
	prompt  string
	timeout time.Duration
	models  contentGenerator
}

func NewGeminiRemBG(ctx context.Context, cfg config.GeminiRemBGConfig, timeout time.Duration) (*GeminiRemBG, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return newGeminiRemBG(client.Models, cfg, timeout), nil
}

func newGeminiRemBG(models contentGenerator, cfg config.GeminiRemBGConfig, timeout time.Duration) *GeminiRemBG {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultMaskPrompt
	}
	return &GeminiRemBG{
		model:   cfg.Model,
		prompt:  prompt,
		timeout: timeout,
		models:  models,
	}
}

func (g *GeminiRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(g.prompt),
		genai.NewPartFromBytes(data, "image/png"),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	maskData, err := inlineImage(resp)
	if err != nil {
		return nil, err
	}
	util.L().Debug("gemini mask generated",
		zap.String("model", g.model),
		zap.Int("bytes", len(maskData)),
		zap.Duration("cost", time.Since(start)))

	mask, err := util.DecodeImage(maskData)
	if err != nil {
		return nil, err
	}

	return imgutil.ApplyMask(img, imgutil.LumaMask(mask)), nil
}

// inlineImage 取第一个候选结果中的图片数据
func inlineImage(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}

	if candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("gemini finished abnormally: %s", candidate.FinishReason)
	}
	return nil, errors.New("gemini returned no image")
}
