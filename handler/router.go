package handler

import (
	"net/http"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/middleware"
	"github.com/chaos-io/bgremover/service"
	"github.com/gin-gonic/gin"
)

// BuildInfo 版本信息，由 main 在编译时注入
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
}

func NewRouter(cfg *config.Config, svc *service.RemovalService, info BuildInfo) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.SetHTMLTemplate(indexTemplate)

	h := NewRemoveHandler(cfg, svc)

	r.GET("/", h.Index)
	r.POST("/", h.Submit)

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": info.Version,
		})
	})
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, info)
	})

	api := r.Group("/api/v1")
	{
		api.POST("/remove", h.Remove)
		api.GET("/result/:id", h.Result)
	}

	return r
}
