package rembg

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

const (
	inputArg  = "{input}"
	outputArg = "{output}"
)

// CommandRemBG 调用本地命令行工具（默认 `rembg i {input} {output}`）
type CommandRemBG struct {
	path    string
	args    []string
	timeout time.Duration
}

func NewCommandRemBG(cfg config.CommandRemBGConfig, timeout time.Duration) *CommandRemBG {
	return &CommandRemBG{
		path:    cfg.Path,
		args:    cfg.Args,
		timeout: timeout,
	}
}

func (c *CommandRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "bgremover-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	input := filepath.Join(dir, "input.png")
	output := filepath.Join(dir, "output.png")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		arg = strings.ReplaceAll(arg, inputArg, input)
		args[i] = strings.ReplaceAll(arg, outputArg, output)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("run %s: %w: %s", c.path, err, strings.TrimSpace(string(out)))
	}
	util.L().Debug("rembg command finished", zap.String("path", c.path), zap.Duration("cost", time.Since(start)))

	result, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return util.DecodeImage(result)
}
