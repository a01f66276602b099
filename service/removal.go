// Package service 处理单次上传：校验、缓存、限流、抠图、保存结果
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chaos-io/bgremover/compose"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/store"
	"github.com/chaos-io/bgremover/util"
	"github.com/gabriel-vasile/mimetype"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyUpload     = errors.New("empty upload")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrBusy            = errors.New("server busy, try again later")
)

type Upload struct {
	Filename string
	Data     []byte
}

type Result struct {
	ID     string
	Width  int
	Height int
	Mode   compose.BackgroundMode
	PNG    []byte
	Cached bool
}

type RemovalService struct {
	upload       config.UploadConfig
	queueTimeout time.Duration
	compositor   *compose.Compositor
	store        store.Store
	sem          chan struct{}
}

func NewRemovalService(cfg *config.Config, segmenter compose.Segmenter, st store.Store) *RemovalService {
	compositor := compose.NewCompositor(segmenter,
		compose.WithMaxInferenceSize(cfg.RemBG.MaxInferenceSize),
		compose.WithReuseInputAlpha(cfg.RemBG.ReuseInputAlpha),
	)

	s := &RemovalService{
		upload:       cfg.Upload,
		queueTimeout: cfg.Server.QueueTimeout,
		compositor:   compositor,
		store:        st,
	}
	if cfg.Server.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.Server.MaxConcurrent)
	}
	return s
}

// Process 处理一次上传；相同内容和相同背景模式直接返回已有结果
func (s *RemovalService) Process(ctx context.Context, up Upload, mode compose.BackgroundMode) (*Result, error) {
	if err := s.validate(up); err != nil {
		return nil, err
	}

	key := util.BytesMD5(up.Data) + ":" + mode.Key()
	if res := s.lookup(ctx, key, mode); res != nil {
		return res, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	defer util.Trace("process " + up.Filename)()

	img, err := util.DecodeImage(up.Data)
	if err != nil {
		return nil, compose.Fail(compose.StageDecode, err)
	}

	out, err := s.compositor.Composite(ctx, img, mode)
	if err != nil {
		return nil, err
	}

	data, err := util.EncodePNG(out)
	if err != nil {
		return nil, compose.Fail(compose.StageEncode, err)
	}

	res := &Result{
		ID:     ksuid.New().String(),
		Width:  out.Rect.Dx(),
		Height: out.Rect.Dy(),
		Mode:   mode,
		PNG:    data,
	}

	entry := &store.Entry{
		ID:        res.ID,
		Key:       key,
		PNG:       data,
		Width:     res.Width,
		Height:    res.Height,
		Mode:      mode.Key(),
		CreatedAt: time.Now(),
	}
	if err := s.store.Put(ctx, entry); err != nil {
		util.L().Warn("failed to save result", zap.String("id", res.ID), zap.Error(err))
	}

	util.L().Info("image processed",
		zap.String("filename", up.Filename),
		zap.String("id", res.ID),
		zap.String("mode", mode.String()),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
		zap.Int("bytes", len(data)))

	return res, nil
}

// Download 按 id 取处理结果
func (s *RemovalService) Download(ctx context.Context, id string) (*store.Entry, error) {
	return s.store.Get(ctx, id)
}

func (s *RemovalService) validate(up Upload) error {
	if len(up.Data) == 0 {
		return ErrEmptyUpload
	}
	if s.upload.MaxSize > 0 && int64(len(up.Data)) > s.upload.MaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d MB", ErrTooLarge, len(up.Data), s.upload.MaxSize/(1024*1024))
	}

	mtype := mimetype.Detect(up.Data)
	for _, allowed := range s.upload.AllowedTypes {
		if mtype.Is(allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
}

func (s *RemovalService) lookup(ctx context.Context, key string, mode compose.BackgroundMode) *Result {
	entry, err := s.store.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			util.L().Warn("failed to get cache", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	util.L().Info("cache hit", zap.String("key", key), zap.String("id", entry.ID))
	return &Result{
		ID:     entry.ID,
		Width:  entry.Width,
		Height: entry.Height,
		Mode:   mode,
		PNG:    entry.PNG,
		Cached: true,
	}
}

// acquire 占用一个处理槽位，排队超过 queueTimeout 返回 ErrBusy
func (s *RemovalService) acquire(ctx context.Context) (func(), error) {
	if s.sem == nil {
		return func() {}, nil
	}

	var timeout <-chan time.Time
	if s.queueTimeout > 0 {
		timer := time.NewTimer(s.queueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timeout:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
