package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/ragdesk/internal/model/document"
)

// DefaultAPIURL 是未配置时使用的后端地址。
const DefaultAPIURL = "http://127.0.0.1:8000"

// Config 聚合整个客户端的配置项。
type Config struct {
	Backend BackendConfig
	Upload  UploadConfig
	Gateway GatewayConfig
	Log     LogConfig
}

// BackendConfig 描述 RAG 后端连接配置。
type BackendConfig struct {
	BaseURL string        `validate:"required,url,startswith=http"`
	Timeout time.Duration `validate:"gte=0"`
}

// UploadConfig 描述上传文件的扩展名白名单。
type UploadConfig struct {
	Extensions []string `validate:"dive,startswith=."`
}

// GatewayConfig 描述本地 HTTP 网关配置，Addr 为空表示不启动。
type GatewayConfig struct {
	Addr string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	File       string
	Production bool
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	gateway, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend: backend,
		Upload:  loadUploadConfig(),
		Gateway: gateway,
		Log:     logCfg,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置字段。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func loadBackendConfig() (BackendConfig, error) {
	timeout, err := parseOptionalIntEnv("RAGDESK_HTTP_TIMEOUT")
	if err != nil {
		return BackendConfig{}, err
	}

	cfg := BackendConfig{
		BaseURL: strings.TrimSuffix(getEnvOrDefault("RAGDESK_API_URL", DefaultAPIURL), "/"),
	}
	if timeout != nil {
		if *timeout < 0 {
			return BackendConfig{}, fmt.Errorf("invalid RAGDESK_HTTP_TIMEOUT value %d", *timeout)
		}
		cfg.Timeout = time.Duration(*timeout) * time.Second
	}
	return cfg, nil
}

func loadUploadConfig() UploadConfig {
	raw := strings.TrimSpace(os.Getenv("RAGDESK_UPLOAD_EXTENSIONS"))
	if raw == "" {
		return UploadConfig{Extensions: append([]string(nil), document.DefaultExtensions...)}
	}

	var exts []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return UploadConfig{Extensions: exts}
}

// loadGatewayConfig 解析本地网关监听地址。
func loadGatewayConfig() (GatewayConfig, error) {
	addr, err := ParseAddr(os.Getenv("RAGDESK_GATEWAY_ADDR"))
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("invalid RAGDESK_GATEWAY_ADDR: %w", err)
	}
	return GatewayConfig{Addr: addr}, nil
}

// ParseAddr 接受 "8090"、":8090" 或 "127.0.0.1:8090"。
func ParseAddr(raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		return "", nil
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid port value: %q", port)
	}

	return ":" + port, nil
}

func loadLogConfig() (LogConfig, error) {
	production := strings.EqualFold(strings.TrimSpace(os.Getenv("RAGDESK_ENV")), "production")

	json, err := parseBoolEnv("RAGDESK_LOG_JSON", production)
	if err != nil {
		return LogConfig{}, err
	}

	return LogConfig{
		Level:      strings.ToLower(getEnvOrDefault("RAGDESK_LOG_LEVEL", "info")),
		File:       strings.TrimSpace(os.Getenv("RAGDESK_LOG_FILE")),
		Production: json,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
