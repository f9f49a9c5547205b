package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"gridpresence/grid"
)

// Config 客户端与参考服务端共用的配置。加载顺序：默认值 → YAML 文件 → 环境变量。
type Config struct {
	ServerURL string `yaml:"server_url" env:"GRIDPRESENCE_SERVER_URL"`
	Token     string `yaml:"token"      env:"GRIDPRESENCE_TOKEN"`
	TokenFile string `yaml:"token_file" env:"GRIDPRESENCE_TOKEN_FILE"`

	GridWidth  int `yaml:"grid_width"  env:"GRIDPRESENCE_GRID_WIDTH"`
	GridHeight int `yaml:"grid_height" env:"GRIDPRESENCE_GRID_HEIGHT"`

	MoveDuration     time.Duration `yaml:"move_duration"     env:"GRIDPRESENCE_MOVE_DURATION"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"   env:"GRIDPRESENCE_RECONNECT_DELAY"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"GRIDPRESENCE_HANDSHAKE_TIMEOUT"`
	FrameRate        int           `yaml:"frame_rate"        env:"GRIDPRESENCE_FRAME_RATE"`

	LogFile  string `yaml:"log_file"  env:"GRIDPRESENCE_LOG_FILE"`
	LogLevel string `yaml:"log_level" env:"GRIDPRESENCE_LOG_LEVEL"`

	AdminAddr   string `yaml:"admin_addr"   env:"GRIDPRESENCE_ADMIN_ADDR"`
	DirectoryDB string `yaml:"directory_db" env:"GRIDPRESENCE_DIRECTORY_DB"`

	// 参考服务端
	ServeAddr string `yaml:"serve_addr" env:"GRIDPRESENCE_SERVE_ADDR"`
	JWTSecret string `yaml:"jwt_secret" env:"GRIDPRESENCE_JWT_SECRET"`
}

// Defaults 默认配置
func Defaults() Config {
	return Config{
		ServerURL:        "ws://localhost:8000",
		GridWidth:        grid.DefaultWidth,
		GridHeight:       grid.DefaultHeight,
		MoveDuration:     150 * time.Millisecond,
		ReconnectDelay:   3 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		FrameRate:        60,
		LogLevel:         "info",
		AdminAddr:        "127.0.0.1:8090",
		ServeAddr:        ":8000",
	}
}

// Load 读取 YAML（path 为空则跳过），再叠加环境变量并校验
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize 去掉首尾空白
func (c *Config) Normalize() {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.Token = strings.TrimSpace(c.Token)
	c.TokenFile = strings.TrimSpace(c.TokenFile)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url must be a ws:// or wss:// URL, got %q", c.ServerURL))
	}
	if c.GridWidth <= 0 || c.GridHeight <= 0 {
		errs = append(errs, fmt.Errorf("grid size must be positive, got %dx%d", c.GridWidth, c.GridHeight))
	}
	if c.MoveDuration <= 0 {
		errs = append(errs, errors.New("move_duration must be positive"))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect_delay must be positive"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.FrameRate <= 0 || c.FrameRate > 240 {
		errs = append(errs, fmt.Errorf("frame_rate must be in 1..240, got %d", c.FrameRate))
	}
	return multierr.Combine(errs...)
}

// Bounds 地图尺寸
func (c Config) Bounds() grid.Bounds {
	return grid.Bounds{Width: c.GridWidth, Height: c.GridHeight}
}

// FrameInterval 每帧间隔
func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}
