package handler

import (
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/chaos-io/bgremover/compose"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/service"
	"github.com/chaos-io/bgremover/store"
	"github.com/chaos-io/bgremover/util"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	formImage      = "image"
	formBackground = "background"
	formColor      = "color"

	downloadFilename = "processed_image.png"

	indexTemplateName = "index"

	// formOverhead 除图片外 multipart 边界、头部和其他字段的余量
	formOverhead     = 1 << 20
	defaultMaxMemory = 32 << 20
)

var errBadForm = errors.New("invalid form")

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New(indexTemplateName).Parse(indexHTML))

type RemoveHandler struct {
	svc     *service.RemovalService
	maxSize int64
}

func NewRemoveHandler(cfg *config.Config, svc *service.RemovalService) *RemoveHandler {
	return &RemoveHandler{
		svc:     svc,
		maxSize: cfg.Upload.MaxSize,
	}
}

type pageData struct {
	Background string
	Color      string
	Error      string
	Original   template.URL
	Processed  template.URL
	Result     *model.RemoveResult
}

// Index 上传页面
func (h *RemoveHandler) Index(c *gin.Context) {
	h.render(c, &pageData{Background: "transparent", Color: compose.White.Hex()})
}

// Submit 页面表单提交；出错时在页面上显示错误，状态码仍为 200
func (h *RemoveHandler) Submit(c *gin.Context) {
	if err := h.parseForm(c); err != nil {
		h.render(c, &pageData{Background: "transparent", Color: compose.White.Hex(), Error: err.Error()})
		return
	}

	page := &pageData{
		Background: c.DefaultPostForm(formBackground, "transparent"),
		Color:      c.DefaultPostForm(formColor, compose.White.Hex()),
	}

	mode, err := compose.ParseMode(page.Background, page.Color)
	if err != nil {
		page.Error = err.Error()
		h.render(c, page)
		return
	}

	up, err := h.readUpload(c)
	if err != nil {
		page.Error = err.Error()
		h.render(c, page)
		return
	}

	// 能解码的上传图先展示，处理失败时原图仍然可见
	if _, err := util.DecodeImage(up.Data); err == nil {
		page.Original = dataURI(mimetype.Detect(up.Data).String(), up.Data)
	}

	res, err := h.svc.Process(c.Request.Context(), up, mode)
	if err != nil {
		util.L().Error("failed to process image", zap.String("filename", up.Filename), zap.Error(err))
		page.Error = err.Error()
		h.render(c, page)
		return
	}

	page.Processed = dataURI("image/png", res.PNG)
	page.Result = toResult(res)
	h.render(c, page)
}

// Remove 处理图片上传，返回 JSON
func (h *RemoveHandler) Remove(c *gin.Context) {
	if err := h.parseForm(c); err != nil {
		h.fail(c, err)
		return
	}

	mode, err := compose.ParseMode(c.DefaultPostForm(formBackground, "transparent"), c.PostForm(formColor))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "背景参数错误",
			Error:   err.Error(),
		})
		return
	}

	up, err := h.readUpload(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.svc.Process(c.Request.Context(), up, mode)
	if err != nil {
		util.L().Error("failed to process image", zap.String("filename", up.Filename), zap.Error(err))
		h.fail(c, err)
		return
	}

	data := toResult(res)
	if c.Query("format") == "base64" {
		data.Image = base64.StdEncoding.EncodeToString(res.PNG)
	}

	message := "处理成功"
	if res.Cached {
		message = "处理成功（来自缓存）"
	}
	c.JSON(http.StatusOK, model.RemoveResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Result 下载处理结果，inline=1 时直接在浏览器中显示
func (h *RemoveHandler) Result(c *gin.Context) {
	id := c.Param("id")

	entry, err := h.svc.Download(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Success: false,
				Message: "结果不存在或已过期",
			})
			return
		}
		util.L().Error("failed to get result", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "查询失败",
			Error:   err.Error(),
		})
		return
	}

	disposition := "attachment"
	if c.Query("inline") == "1" {
		disposition = "inline"
	}
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, downloadFilename))
	c.Data(http.StatusOK, "image/png", entry.PNG)
}

// parseForm 在解析表单前限制请求体大小
func (h *RemoveHandler) parseForm(c *gin.Context) error {
	maxMemory := int64(defaultMaxMemory)
	if h.maxSize > 0 {
		limit := h.maxSize + formOverhead
		if c.Request.ContentLength > limit {
			return h.tooLarge()
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		maxMemory = limit
	}

	if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return h.tooLarge()
		case errors.Is(err, http.ErrNotMultipart):
			return nil
		default:
			return fmt.Errorf("%w: %v", errBadForm, err)
		}
	}
	return nil
}

func (h *RemoveHandler) tooLarge() error {
	return fmt.Errorf("%w: limit %d MB", service.ErrTooLarge, h.maxSize/(1024*1024))
}

func (h *RemoveHandler) readUpload(c *gin.Context) (service.Upload, error) {
	file, err := c.FormFile(formImage)
	if err != nil {
		return service.Upload{}, fmt.Errorf("%w: please upload an image", service.ErrEmptyUpload)
	}
	if h.maxSize > 0 && file.Size > h.maxSize {
		return service.Upload{}, h.tooLarge()
	}

	f, err := file.Open()
	if err != nil {
		return service.Upload{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return service.Upload{}, fmt.Errorf("read upload: %w", err)
	}

	util.L().Info("file uploaded", zap.String("filename", file.Filename), zap.Int64("size", file.Size))
	return service.Upload{Filename: file.Filename, Data: data}, nil
}

func (h *RemoveHandler) fail(c *gin.Context, err error) {
	resp := model.ErrorResponse{
		Success: false,
		Message: "图片处理失败",
		Error:   err.Error(),
	}

	var pe *compose.ProcessingError
	if errors.As(err, &pe) {
		resp.Stage = string(pe.Stage)
	}

	_ = c.Error(err)
	c.JSON(statusCode(err), resp)
}

func (h *RemoveHandler) render(c *gin.Context, page *pageData) {
	c.HTML(http.StatusOK, indexTemplateName, page)
}

func statusCode(err error) int {
	var pe *compose.ProcessingError
	switch {
	case errors.Is(err, service.ErrEmptyUpload), errors.Is(err, errBadForm):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, service.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe) && pe.Stage == compose.StageDecode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func toResult(res *service.Result) *model.RemoveResult {
	return &model.RemoveResult{
		ID:          res.ID,
		Width:       res.Width,
		Height:      res.Height,
		Mode:        res.Mode.Key(),
		Cached:      res.Cached,
		DownloadURL: "/api/v1/result/" + res.ID,
	}
}

func dataURI(mime string, data []byte) template.URL {
	mime, _, _ = strings.Cut(mime, ";")
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
}
