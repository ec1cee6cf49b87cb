package config

import (
	"time"

	zviper "github.com/lk2023060901/chatrelay-go/pkg/util/viper"
)

const (
	DefaultTCPAddr          = ":7100"
	DefaultWSPath           = "/ws"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultQueueSize        = 1024
	DefaultWriteTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 90 * time.Second
	DefaultMaxFrameSize     = 1 << 20
	DefaultCompressMinSize  = 256
	DefaultTokenTTL         = 24 * time.Hour
	DefaultClientVersions   = ">=1.0.0 <2.0.0"
	DefaultBcryptCost       = 10
	DefaultAuthWorkers      = 8
	DefaultMetricsPath      = "/metrics"
)

// setDefaults 为每个标量 key 注册默认值，使环境变量能覆盖配置文件中未出现的 key。
func setDefaults(v *zviper.Config) {
	v.SetDefault("server.tcp_addr", DefaultTCPAddr)
	v.SetDefault("server.ws_addr", "")
	v.SetDefault("server.ws_path", DefaultWSPath)
	v.SetDefault("server.handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("session.queue_size", DefaultQueueSize)
	v.SetDefault("session.write_timeout", DefaultWriteTimeout)
	v.SetDefault("session.idle_timeout", DefaultIdleTimeout)

	v.SetDefault("codec.max_frame_size", DefaultMaxFrameSize)
	v.SetDefault("codec.compressor", "none")
	v.SetDefault("codec.compress_min_size", DefaultCompressMinSize)
	v.SetDefault("codec.cipher", "none")
	v.SetDefault("codec.enc_key", "")
	v.SetDefault("codec.mac_key", "")

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", DefaultTokenTTL)
	v.SetDefault("auth.client_versions", DefaultClientVersions)
	v.SetDefault("auth.bcrypt_cost", DefaultBcryptCost)

	v.SetDefault("pool.auth_workers", DefaultAuthWorkers)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", DefaultMetricsPath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.rootpath", "")
	v.SetDefault("log.file.filename", "")
}
