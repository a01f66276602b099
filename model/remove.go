package model

// RemoveResult 去背景结果
type RemoveResult struct {
	ID          string `json:"id"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Mode        string `json:"mode"` // transparent, color:#RRGGBB
	Cached      bool   `json:"cached"`
	DownloadURL string `json:"download_url"`
	Image       string `json:"image,omitempty"` // base64编码的PNG，format=base64 时返回
}

// RemoveResponse 去背景响应
type RemoveResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    *RemoveResult `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"` // 处理失败的阶段
	Error   string `json:"error,omitempty"`
}
