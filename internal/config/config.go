package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 配置文件路径的环境变量覆盖
const EnvConfigPath = "PROP_CONFIG"

// DefaultPath 默认配置文件路径
const DefaultPath = "./config.yaml"

type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Accounts map[string]AccountConfig `yaml:"accounts"`
	Services ServicesConfig           `yaml:"services"`
	Cameras  []CameraConfig           `yaml:"cameras"`
	Log      LogConfig                `yaml:"log"`
	Monitor  MonitorConfig            `yaml:"monitor"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxConnections   int           `yaml:"max_connections"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxConfigBytes   int           `yaml:"max_config_bytes"`
	DiscoveryPeriod  time.Duration `yaml:"discovery_period"` // 0为禁用周期性广播
	StrictTimestamps bool          `yaml:"strict_timestamps"`
}

type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ServicesConfig struct {
	Redis    RedisConfig    `yaml:"redis"`
	MediaMTX MediaMTXConfig `yaml:"mediamtx"`
}

// RedisConfig 核心只消费这一块(日志/数据通道), 其余服务配置留给边车
type RedisConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.IP, r.Port)
}

// MediaMTXConfig 摄像头流媒体边车, 核心不消费
type MediaMTXConfig struct {
	IP         string `yaml:"ip"`
	APIPort    int    `yaml:"api_port"`
	WebRTCPort int    `yaml:"webrtc_port"`
}

// CameraConfig 摄像头配置, 核心不消费
type CameraConfig struct {
	IP        string `yaml:"ip"`
	OnvifPort int    `yaml:"onvif_port"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// ResolvePath 返回配置文件路径, PROP_CONFIG优先
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig 加载配置文件, 未知段落忽略
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             50000,
			MaxConnections:   64,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 3 * time.Second,
			AckTimeout:       2 * time.Second,
			MaxConfigBytes:   64 * 1024,
			DiscoveryPeriod:  0,
		},
		Accounts: map[string]AccountConfig{},
		Services: ServicesConfig{
			Redis: RedisConfig{
				IP:   "localhost",
				Port: 6379,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
	}
}
