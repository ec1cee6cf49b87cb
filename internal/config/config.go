package config

import (
	"io/fs"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	zlog "github.com/lk2023060901/chatrelay-go/pkg/log"
	zviper "github.com/lk2023060901/chatrelay-go/pkg/util/viper"
)

// EnvPrefix 为环境变量覆盖的前缀，例如 CHATRELAY_SERVER_TCP_ADDR。
const EnvPrefix = "CHATRELAY"

// Config 为 chatd 的完整配置。
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     zlog.Config   `mapstructure:"log"`
}

// ServerConfig 为监听相关配置，TCPAddr 与 WSAddr 至少开启一个。
type ServerConfig struct {
	TCPAddr          string        `mapstructure:"tcp_addr" validate:"required_without=WSAddr"`
	WSAddr           string        `mapstructure:"ws_addr"`
	WSPath           string        `mapstructure:"ws_path" validate:"required_with=WSAddr,omitempty,startswith=/"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0s"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0s"`
}

// SessionConfig 为单连接参数。
type SessionConfig struct {
	QueueSize    int           `mapstructure:"queue_size" validate:"gte=1"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0s"`
	// IdleTimeout 为 0 时不做空闲检测。
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0s"`
}

// CodecConfig 为线路编解码配置。
type CodecConfig struct {
	MaxFrameSize    uint32 `mapstructure:"max_frame_size" validate:"gte=64"`
	Compressor      string `mapstructure:"compressor" validate:"omitempty,oneof=none zstd s2"`
	CompressMinSize int    `mapstructure:"compress_min_size" validate:"gte=0"`
	Cipher          string `mapstructure:"cipher" validate:"omitempty,oneof=none aes-gcm-hmac xchacha20poly1305"`
	// EncKey/MacKey 为十六进制编码的密钥。
	EncKey string `mapstructure:"enc_key" validate:"omitempty,hexadecimal"`
	MacKey string `mapstructure:"mac_key" validate:"omitempty,hexadecimal"`
}

// UserConfig 为一个静态账号，Hash 由 `chatd hash-password` 生成。
type UserConfig struct {
	Identity string `mapstructure:"identity" validate:"required"`
	Hash     string `mapstructure:"hash" validate:"required"`
}

// AuthConfig 为登录相关配置。
type AuthConfig struct {
	// TokenSecret 为空时不签发会话令牌。
	TokenSecret    string        `mapstructure:"token_secret" validate:"omitempty,min=16"`
	TokenTTL       time.Duration `mapstructure:"token_ttl" validate:"gt=0s"`
	ClientVersions string        `mapstructure:"client_versions"`
	BcryptCost     int           `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`
	Users          []UserConfig  `mapstructure:"users" validate:"dive"`
}

// PoolConfig 为协程池大小。
type PoolConfig struct {
	AuthWorkers int `mapstructure:"auth_workers" validate:"gte=1"`
}

// MetricsConfig 为 /metrics 监听配置，Addr 为空时不开启。
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path" validate:"required,startswith=/"`
}

// UserHashes 返回 identity -> hash。
func (c *AuthConfig) UserHashes() map[string]string {
	users := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		users[u.Identity] = u.Hash
	}
	return users
}

// Load 读取 .env、默认值、配置文件与 CHATRELAY_* 环境变量，并校验结果。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := newViper()
	if path != "" {
		if err := v.LoadFile(path); err != nil {
			return nil, errors.Wrapf(err, "load config file %q", path)
		}
	}
	return decode(v)
}

// Parse 从内存中的 yaml/json 读取配置，环境变量同样生效。
func Parse(typ string, data []byte) (*Config, error) {
	v := newViper()
	if err := v.LoadBytes(typ, data); err != nil {
		return nil, errors.Wrapf(err, "parse %s config", typ)
	}
	return decode(v)
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *zviper.Config {
	v := zviper.New()
	setDefaults(v)
	v.BindEnv(EnvPrefix)
	return v
}

func decode(v *zviper.Config) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
