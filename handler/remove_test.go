package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chaos-io/bgremover/compose"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/service"
	"github.com/chaos-io/bgremover/store"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: 120, B: uint8(y), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

type failingSegmenter struct{}

func (failingSegmenter) Remove(context.Context, image.Image) (image.Image, error) {
	return nil, errors.New("model unavailable")
}

func newTestClient(t *testing.T) *resty.Client {
	t.Helper()
	server := httptest.NewServer(newTestRouter(t, rembg.NewDefaultRemBG()))
	t.Cleanup(server.Close)
	return resty.New().SetBaseURL(server.URL)
}

func newTestRouter(t *testing.T, seg compose.Segmenter) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test", MaxConcurrent: 2, QueueTimeout: time.Second},
		Upload: config.UploadConfig{
			MaxSize:      1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
	}
	st, err := store.NewMemoryStore(time.Hour, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := service.NewRemovalService(cfg, seg, st)
	return NewRouter(cfg, svc, BuildInfo{Version: "v1.2.3", GitCommit: "abc"})
}

// multipartBody 构造只含一个图片字段的表单
func multipartBody(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestIndex(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.R().Get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "text/html; charset=utf-8", resp.Header().Get("Content-Type"))

	body := resp.String()
	assert.Contains(t, body, "How to use")
	assert.Contains(t, body, `value="#FFFFFF"`)
	assert.Contains(t, body, "Transparent")
	assert.Contains(t, body, "Custom Color")
	assert.NotContains(t, body, "An error occurred")
}

func TestSubmit(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.R().
		SetFileReader("image", "photo.jpg", bytes.NewReader(jpegBytes(t, 40, 30))).
		SetFormData(map[string]string{"background": "color", "color": "#00ff00"}).
		Post("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	body := resp.String()
	assert.Contains(t, body, "Original Image")
	assert.Contains(t, body, "Processed Image")
	assert.Contains(t, body, "data:image/jpeg;base64,")
	assert.Contains(t, body, "data:image/png;base64,")
	assert.Contains(t, body, "/api/v1/result/")
	assert.Contains(t, body, `value="#00ff00"`)
}

func TestSubmit_Errors(t *testing.T) {
	client := newTestClient(t)
	data := jpegBytes(t, 40, 30)

	tests := []struct {
		name string
		req  *resty.Request
	}{
		{name: "no file", req: client.R().SetFormData(map[string]string{"background": "transparent"})},
		{name: "corrupted", req: client.R().SetFileReader("image", "broken.jpg", bytes.NewReader(data[:len(data)/3]))},
		{name: "not an image", req: client.R().SetFileReader("image", "notes.txt", bytes.NewReader([]byte("just some text")))},
		{name: "bad color", req: client.R().
			SetFileReader("image", "photo.jpg", bytes.NewReader(data)).
			SetFormData(map[string]string{"background": "color", "color": "#nothex"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.req.Post("/")
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode())
			assert.Contains(t, resp.String(), "An error occurred:")
			assert.NotContains(t, resp.String(), "Processed Image")
		})
	}

	// 出错后页面仍然可用
	resp, err := client.R().SetFileReader("image", "photo.jpg", bytes.NewReader(data)).Post("/")
	require.NoError(t, err)
	assert.Contains(t, resp.String(), "Processed Image")
}

func TestSubmit_ShowsOriginalWhenProcessingFails(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, failingSegmenter{}))
	t.Cleanup(server.Close)

	resp, err := resty.New().R().
		SetFileReader("image", "photo.jpg", bytes.NewReader(jpegBytes(t, 40, 30))).
		Post(server.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	body := resp.String()
	assert.Contains(t, body, "An error occurred:")
	assert.Contains(t, body, "model unavailable")
	assert.Contains(t, body, "Original Image")
	assert.Contains(t, body, "data:image/jpeg;base64,")
	assert.NotContains(t, body, "Processed Image")
}

func TestRemove_BodyLimit(t *testing.T) {
	router := newTestRouter(t, rembg.NewDefaultRemBG())
	huge := make([]byte, 3*1024*1024)

	tests := []struct {
		name   string
		path   string
		chunk  bool
		status int
		want   string
	}{
		{name: "api declared length", path: "/api/v1/remove", status: http.StatusRequestEntityTooLarge},
		{name: "api unknown length", path: "/api/v1/remove", chunk: true, status: http.StatusRequestEntityTooLarge},
		{name: "page unknown length", path: "/", chunk: true, status: http.StatusOK, want: "file too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, huge)

			var reader io.Reader = body
			if tt.chunk {
				// 非 bytes 类型的 reader 不带 Content-Length
				reader = io.MultiReader(body)
			}
			req := httptest.NewRequest(http.MethodPost, tt.path, reader)
			req.Header.Set("Content-Type", contentType)
			if tt.chunk {
				require.Equal(t, int64(-1), req.ContentLength)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.want != "" {
				assert.Contains(t, w.Body.String(), tt.want)
			}
		})
	}
}

func TestRemoveAndDownload(t *testing.T) {
	client := newTestClient(t)
	data := jpegBytes(t, 64, 48)

	var res model.RemoveResponse
	resp, err := client.R().
		SetFileReader("image", "photo.jpg", bytes.NewReader(data)).
		SetFormData(map[string]string{"background": "transparent"}).
		SetResult(&res).
		Post("/api/v1/remove")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, 64, res.Data.Width)
	assert.Equal(t, 48, res.Data.Height)
	assert.Equal(t, "transparent", res.Data.Mode)
	assert.False(t, res.Data.Cached)
	assert.Empty(t, res.Data.Image)

	resp, err = client.R().Get(res.Data.DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "image/png", resp.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="processed_image.png"`, resp.Header().Get("Content-Disposition"))

	img, err := png.Decode(bytes.NewReader(resp.Body()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	resp, err = client.R().SetQueryParam("inline", "1").Get(res.Data.DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, `inline; filename="processed_image.png"`, resp.Header().Get("Content-Disposition"))

	// 同一张图再次上传命中缓存
	var again model.RemoveResponse
	_, err = client.R().
		SetFileReader("image", "photo.jpg", bytes.NewReader(data)).
		SetQueryParam("format", "base64").
		SetResult(&again).
		Post("/api/v1/remove")
	require.NoError(t, err)
	require.NotNil(t, again.Data)
	assert.True(t, again.Data.Cached)
	assert.Equal(t, res.Data.ID, again.Data.ID)

	raw, err := base64.StdEncoding.DecodeString(again.Data.Image)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)
}

func TestRemove_Errors(t *testing.T) {
	client := newTestClient(t)
	data := jpegBytes(t, 20, 20)

	tests := []struct {
		name       string
		req        *resty.Request
		wantStatus int
		wantStage  string
	}{
		{name: "no file", req: client.R(), wantStatus: http.StatusBadRequest},
		{name: "bad background", req: client.R().
			SetFileReader("image", "photo.jpg", bytes.NewReader(data)).
			SetFormData(map[string]string{"background": "blur"}), wantStatus: http.StatusBadRequest},
		{name: "unsupported type", req: client.R().
			SetFileReader("image", "notes.txt", bytes.NewReader([]byte("plain text"))), wantStatus: http.StatusUnsupportedMediaType},
		{name: "too large", req: client.R().
			SetFileReader("image", "huge.jpg", bytes.NewReader(make([]byte, 2*1024*1024))), wantStatus: http.StatusRequestEntityTooLarge},
		{name: "corrupted", req: client.R().
			SetFileReader("image", "broken.jpg", bytes.NewReader(data[:len(data)/3])), wantStatus: http.StatusUnprocessableEntity, wantStage: "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.req.Post("/api/v1/remove")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode())

			var body model.ErrorResponse
			require.NoError(t, json.Unmarshal(resp.Body(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantStage, body.Stage)
		})
	}
}

func TestResult_NotFound(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.R().Get("/api/v1/result/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
}

func TestHealthAndVersion(t *testing.T) {
	client := newTestClient(t)

	var health map[string]string
	resp, err := client.R().SetResult(&health).Get("/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "v1.2.3", health["version"])

	var info BuildInfo
	_, err = client.R().SetResult(&info).Get("/version")
	require.NoError(t, err)
	assert.Equal(t, "abc", info.GitCommit)
}
