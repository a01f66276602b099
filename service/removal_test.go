package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaos-io/bgremover/compose"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/imgutil"
	"github.com/chaos-io/bgremover/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rightHalfSegmenter 右半边当作背景
type rightHalfSegmenter struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (s *rightHalfSegmenter) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := imgutil.ToNRGBA(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			out.SetNRGBA(x, y, color.NRGBA{})
		}
	}
	return out, nil
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxConcurrent: 1, QueueTimeout: 20 * time.Millisecond},
		Upload: config.UploadConfig{
			MaxSize:      1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
	}
}

func newTestService(t *testing.T, seg compose.Segmenter) (*RemovalService, store.Store) {
	t.Helper()
	st, err := store.NewMemoryStore(time.Hour, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRemovalService(testConfig(), seg, st), st
}

func TestProcess_Transparent(t *testing.T) {
	ctx := context.Background()
	seg := &rightHalfSegmenter{}
	s, st := newTestService(t, seg)

	res, err := s.Process(ctx, Upload{Filename: "photo.jpg", Data: jpegBytes(t, 100, 100)}, compose.Transparent())
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.False(t, res.Cached)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 100, res.Height)

	out, err := png.Decode(bytes.NewReader(res.PNG))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
	assert.True(t, imgutil.HasVaryingAlpha(imgutil.ToNRGBA(out)))

	entry, err := st.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.PNG, entry.PNG)
	assert.Equal(t, "transparent", entry.Mode)
}

func TestProcess_SolidColor(t *testing.T) {
	green, err := compose.ParseHexColor("#00FF00")
	require.NoError(t, err)

	s, _ := newTestService(t, &rightHalfSegmenter{})
	res, err := s.Process(context.Background(), Upload{Filename: "photo.jpg", Data: jpegBytes(t, 40, 20)}, compose.SolidColor(green))
	require.NoError(t, err)

	out, err := png.Decode(bytes.NewReader(res.PNG))
	require.NoError(t, err)
	assert.True(t, imgutil.IsOpaque(imgutil.ToNRGBA(out)))
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, color.NRGBAModel.Convert(out.At(39, 10)))
}

func TestProcess_Cache(t *testing.T) {
	ctx := context.Background()
	seg := &rightHalfSegmenter{}
	s, _ := newTestService(t, seg)
	up := Upload{Filename: "photo.jpg", Data: jpegBytes(t, 30, 30)}

	first, err := s.Process(ctx, up, compose.Transparent())
	require.NoError(t, err)
	second, err := s.Process(ctx, up, compose.Transparent())
	require.NoError(t, err)

	assert.Equal(t, int32(1), seg.calls.Load())
	assert.True(t, second.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PNG, second.PNG)

	// 模式不同不能命中缓存
	third, err := s.Process(ctx, up, compose.SolidColor(compose.White))
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, int32(2), seg.calls.Load())
}

func TestProcess_Validation(t *testing.T) {
	s, _ := newTestService(t, &rightHalfSegmenter{})

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrEmptyUpload},
		{name: "too large", data: make([]byte, 2*1024*1024), wantErr: ErrTooLarge},
		{name: "text", data: []byte("hello, this is not an image"), wantErr: ErrUnsupportedType},
		{name: "gif", data: []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"), wantErr: ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Process(context.Background(), Upload{Filename: tt.name, Data: tt.data}, compose.Transparent())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProcess_CorruptedImage(t *testing.T) {
	seg := &rightHalfSegmenter{}
	s, _ := newTestService(t, seg)

	data := jpegBytes(t, 50, 50)
	corrupted := append([]byte(nil), data[:len(data)/3]...)

	_, err := s.Process(context.Background(), Upload{Filename: "broken.jpg", Data: corrupted}, compose.Transparent())
	require.Error(t, err)

	var pe *compose.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, compose.StageDecode, pe.Stage)
	assert.Equal(t, int32(0), seg.calls.Load())

	// 出错后服务仍可继续处理
	_, err = s.Process(context.Background(), Upload{Filename: "ok.jpg", Data: data}, compose.Transparent())
	assert.NoError(t, err)
}

func TestProcess_Busy(t *testing.T) {
	seg := &rightHalfSegmenter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _ := newTestService(t, seg)

	done := make(chan error, 1)
	go func() {
		_, err := s.Process(context.Background(), Upload{Filename: "a.jpg", Data: jpegBytes(t, 10, 10)}, compose.Transparent())
		done <- err
	}()
	<-seg.started

	_, err := s.Process(context.Background(), Upload{Filename: "b.jpg", Data: jpegBytes(t, 12, 12)}, compose.Transparent())
	assert.ErrorIs(t, err, ErrBusy)

	close(seg.block)
	assert.NoError(t, <-done)
}

func TestProcess_ContextCanceledWhileQueued(t *testing.T) {
	seg := &rightHalfSegmenter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	cfg := testConfig()
	cfg.Server.QueueTimeout = 0
	st, err := store.NewMemoryStore(0, "")
	require.NoError(t, err)
	s := NewRemovalService(cfg, seg, st)

	go func() {
		_, _ = s.Process(context.Background(), Upload{Filename: "a.jpg", Data: jpegBytes(t, 10, 10)}, compose.Transparent())
	}()
	<-seg.started
	defer close(seg.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Process(ctx, Upload{Filename: "b.jpg", Data: jpegBytes(t, 12, 12)}, compose.Transparent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcess_SegmenterFailure(t *testing.T) {
	s, _ := newTestService(t, nil)

	_, err := s.Process(context.Background(), Upload{Filename: "a.jpg", Data: jpegBytes(t, 10, 10)}, compose.Transparent())
	var pe *compose.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, compose.StageSegment, pe.Stage)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, &rightHalfSegmenter{})

	_, err := s.Download(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err := s.Process(ctx, Upload{Filename: "a.jpg", Data: jpegBytes(t, 10, 10)}, compose.Transparent())
	require.NoError(t, err)

	entry, err := s.Download(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.PNG, entry.PNG)
}
