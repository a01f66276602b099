package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/util"
	nhttp "github.com/chaos-io/bgremover/util/http"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const (
	inputPlaceholder = "{{input_image}}"
	uploadPath       = "/api/upload/image"
	promptPath       = "/api/prompt"
	historyPath      = "/api/history/"
	viewPath         = "/api/view"
)

//go:embed workflow.json
var defaultWorkflow string

// ComfyUIRemBG 通过 ComfyUI 运行 BiRefNet 抠图工作流
type ComfyUIRemBG struct {
	baseURL      string
	workflow     string
	pollInterval time.Duration
	timeout      time.Duration
	clientID     string
	cli          nhttp.IClient
}

func NewComfyUIRemBG(cfg config.ComfyUIRemBGConfig, timeout time.Duration) (*ComfyUIRemBG, error) {
	workflow := defaultWorkflow
	if cfg.WorkflowPath != "" {
		data, err := os.ReadFile(cfg.WorkflowPath)
		if err != nil {
			return nil, fmt.Errorf("read workflow: %w", err)
		}
		workflow = string(data)
	}
	if !strings.Contains(workflow, inputPlaceholder) {
		return nil, fmt.Errorf("workflow has no %s placeholder", inputPlaceholder)
	}

	clientID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate client id: %w", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &ComfyUIRemBG{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		workflow:     workflow,
		pollInterval: pollInterval,
		timeout:      timeout,
		clientID:     clientID.String(),
		cli:          nhttp.NewHTTPClientWithTimeout(timeout),
	}, nil
}

func (b *ComfyUIRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	name, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate image name: %w", err)
	}

	uploaded, err := b.uploadImage(ctx, "bgremover_"+name.String()+".png", data)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, uploaded.path())
	if err != nil {
		return nil, err
	}

	output, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	result, err := b.view(ctx, output)
	if err != nil {
		return nil, err
	}

	return util.DecodeImage(result)
}

type imageRef struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// path LoadImage 节点使用的文件路径
func (r imageRef) path() string {
	if r.Subfolder == "" {
		return r.Name
	}
	return r.Subfolder + "/" + r.Name
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (b *ComfyUIRemBG) uploadImage(ctx context.Context, filename string, data []byte) (*imageRef, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	resp := &imageRef{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + uploadPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, errors.New("upload image: empty name in response")
	}

	util.L().Debug("comfyui image uploaded", zap.String("name", resp.Name), zap.String("subfolder", resp.Subfolder))
	return resp, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"', "client_id": "..."}'
*/
func (b *ComfyUIRemBG) prompt(ctx context.Context, imagePath string) (string, error) {
	quoted, err := json.Marshal(imagePath)
	if err != nil {
		return "", fmt.Errorf("marshal image path: %w", err)
	}
	// 占位符位于 JSON 字符串内部，替换时去掉两端引号
	workflow := strings.ReplaceAll(b.workflow, inputPlaceholder, string(quoted[1:len(quoted)-1]))

	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflow), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + promptPath,
		Method:     http.MethodPost,
		Body:       map[string]any{"prompt": wk, "client_id": b.clientID},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("queue prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id")
	}

	util.L().Debug("comfyui prompt queued", zap.String("prompt_id", resp.PromptID), zap.Int("number", resp.Number))
	return resp.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// waitOutput 轮询 /history 直到工作流产出图片
func (b *ComfyUIRemBG) waitOutput(ctx context.Context, promptID string) (*imageRef, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: b.baseURL + historyPath + promptID,
			Method:     http.MethodGet,
			Response:   &history,
		}
		if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return nil, fmt.Errorf("check status: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("prompt %s failed", promptID)
			}
			if ref := firstImage(entry); ref != nil {
				return ref, nil
			}
			if entry.Status.Completed {
				return nil, fmt.Errorf("prompt %s completed without image output", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func firstImage(entry historyEntry) *imageRef {
	nodes := make([]string, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if images := entry.Outputs[node].Images; len(images) > 0 {
			return &images[0]
		}
	}
	return nil
}

func (b *ComfyUIRemBG) view(ctx context.Context, ref *imageRef) ([]byte, error) {
	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + viewPath,
		Method:     http.MethodGet,
		Query: map[string]string{
			"filename":  ref.Filename,
			"subfolder": ref.Subfolder,
			"type":      ref.Type,
		},
		Response: &data,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	return data, nil
}
