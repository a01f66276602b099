package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/chaos-io/bgremover/compose"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

func runRemove(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	inputPath := fs.String("in", "", "input image path or http(s) url")
	outputPath := fs.String("out", "processed_image.png", "output PNG path")
	hex := fs.String("color", "", "background color (#RRGGBB); transparent when empty")
	backend := fs.String("backend", "", "override rembg.backend")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" {
		return errors.New("-in is required")
	}

	cfg := config.New(*configPath)
	if *backend != "" {
		cfg.RemBG.Backend = *backend
	}
	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.Sync()

	mode := compose.Transparent()
	if *hex != "" {
		c, err := compose.ParseHexColor(*hex)
		if err != nil {
			return err
		}
		mode = compose.SolidColor(c)
	}

	var img image.Image
	var err error
	if strings.HasPrefix(*inputPath, "http://") || strings.HasPrefix(*inputPath, "https://") {
		img, err = util.DownloadImage(ctx, *inputPath)
	} else {
		img, err = util.OpenImage(*inputPath)
	}
	if err != nil {
		return compose.Fail(compose.StageDecode, fmt.Errorf("load image: %w", err))
	}

	remover, err := rembg.New(ctx, &cfg.RemBG)
	if err != nil {
		return err
	}

	compositor := compose.NewCompositor(remover,
		compose.WithMaxInferenceSize(cfg.RemBG.MaxInferenceSize),
		compose.WithReuseInputAlpha(cfg.RemBG.ReuseInputAlpha),
	)
	out, err := compositor.Composite(ctx, img, mode)
	if err != nil {
		return err
	}

	data, err := util.EncodePNG(out)
	if err != nil {
		return compose.Fail(compose.StageEncode, err)
	}
	if err := os.WriteFile(*outputPath, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	util.L().Info("done", zap.String("output", *outputPath), zap.String("mode", mode.String()))
	_, err = fmt.Fprintf(stdout, "%s (%dx%d, %s)\n", *outputPath, out.Rect.Dx(), out.Rect.Dy(), mode)
	return err
}
