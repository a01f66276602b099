package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BGREMOVER"

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Upload UploadConfig `mapstructure:"upload"`
	RemBG  RemBGConfig  `mapstructure:"rembg"`
	Cache  CacheConfig  `mapstructure:"cache"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type RemBGConfig struct {
	// Backend: none | http | comfyui | command | gemini
	Backend          string        `mapstructure:"backend"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxInferenceSize int           `mapstructure:"max_inference_size"`
	// ReuseInputAlpha 上传图已带透明通道时不再调用分割后端
	ReuseInputAlpha  bool          `mapstructure:"reuse_input_alpha"`

	HTTP    HTTPRemBGConfig    `mapstructure:"http"`
	ComfyUI ComfyUIRemBGConfig `mapstructure:"comfyui"`
	Command CommandRemBGConfig `mapstructure:"command"`
	Gemini  GeminiRemBGConfig  `mapstructure:"gemini"`
}

type HTTPRemBGConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

type ComfyUIRemBGConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	WorkflowPath string        `mapstructure:"workflow_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type CommandRemBGConfig struct {
	Path string   `mapstructure:"path"`
	Args []string `mapstructure:"args"`
}

type GeminiRemBGConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	Prompt string `mapstructure:"prompt"`
}

type CacheConfig struct {
	// Backend: memory | redis
	Backend     string        `mapstructure:"backend"`
	TTL         time.Duration `mapstructure:"ttl"`
	CleanupSpec string        `mapstructure:"cleanup_spec"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load 从 YAML 文件加载配置，环境变量 BGREMOVER_* 可覆盖文件中的值
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

// New 加载配置，文件不存在或无法解析时使用默认配置（仍然读取环境变量）
func New(configPath string) *Config {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg
	}

	cfg, err = unmarshal(newViper())
	if err != nil {
		return getDefaultConfig()
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := getDefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_concurrent", d.Server.MaxConcurrent)
	v.SetDefault("server.queue_timeout", d.Server.QueueTimeout)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_types", d.Upload.AllowedTypes)

	v.SetDefault("rembg.backend", d.RemBG.Backend)
	v.SetDefault("rembg.timeout", d.RemBG.Timeout)
	v.SetDefault("rembg.max_inference_size", d.RemBG.MaxInferenceSize)
	v.SetDefault("rembg.reuse_input_alpha", d.RemBG.ReuseInputAlpha)
	v.SetDefault("rembg.http.url", d.RemBG.HTTP.URL)
	v.SetDefault("rembg.http.model", d.RemBG.HTTP.Model)
	v.SetDefault("rembg.comfyui.base_url", d.RemBG.ComfyUI.BaseURL)
	v.SetDefault("rembg.comfyui.workflow_path", d.RemBG.ComfyUI.WorkflowPath)
	v.SetDefault("rembg.comfyui.poll_interval", d.RemBG.ComfyUI.PollInterval)
	v.SetDefault("rembg.command.path", d.RemBG.Command.Path)
	v.SetDefault("rembg.command.args", d.RemBG.Command.Args)
	v.SetDefault("rembg.gemini.api_key", d.RemBG.Gemini.APIKey)
	v.SetDefault("rembg.gemini.model", d.RemBG.Gemini.Model)
	v.SetDefault("rembg.gemini.prompt", d.RemBG.Gemini.Prompt)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.cleanup_spec", d.Cache.CleanupSpec)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          ":8080",
			Mode:          "debug",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  120 * time.Second,
			MaxConcurrent: 2,
			QueueTimeout:  30 * time.Second,
		},
		Upload: UploadConfig{
			MaxSize:      10 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
		RemBG: RemBGConfig{
			Backend:          "http",
			Timeout:          90 * time.Second,
			MaxInferenceSize: 1024,
			HTTP: HTTPRemBGConfig{
				URL:   "http://localhost:7000/api/remove",
				Model: "u2net",
			},
			ComfyUI: ComfyUIRemBGConfig{
				BaseURL:      "http://localhost:8188",
				PollInterval: 500 * time.Millisecond,
			},
			Command: CommandRemBGConfig{
				Path: "rembg",
				Args: []string{"i", "{input}", "{output}"},
			},
			Gemini: GeminiRemBGConfig{
				Model: "gemini-2.5-flash-image",
			},
		},
		Cache: CacheConfig{
			Backend:     "memory",
			TTL:         time.Hour,
			CleanupSpec: "@every 1m",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
	}
}
