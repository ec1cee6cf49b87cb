package viper

import (
	"bytes"
	"path/filepath"
	"strings"

	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的 YAML/JSON 配置加载接口。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。
// 在调用 Unmarshal/UnmarshalKey 之前需要先调用 LoadFile 或 LoadBytes 加载配置。
func New() *Config {
	return &Config{
		v: spfviper.New(),
	}
}

func (c *Config) viper() *spfviper.Viper {
	if c.v == nil {
		c.v = spfviper.New()
	}
	return c.v
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	v := c.viper()
	v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return v.ReadInConfig()
}

// LoadBytes 从内存中加载配置，typ 为 "yaml" 或 "json"。
func (c *Config) LoadBytes(typ string, data []byte) error {
	v := c.viper()
	v.SetConfigType(typ)
	return v.ReadConfig(bytes.NewReader(data))
}

// BindEnv 开启环境变量覆盖。
//
// 说明：
//   - 变量名为 <PREFIX>_<KEY>，key 中的 "." 与 "-" 替换为 "_"，例如 server.tcp_addr -> CHATRELAY_SERVER_TCP_ADDR；
//   - 只有在配置文件或 SetDefault 中出现过的 key 才会参与 Unmarshal。
func (c *Config) BindEnv(prefix string) {
	v := c.viper()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// SetDefault 为 key 设置默认值，优先级低于配置文件与环境变量。
func (c *Config) SetDefault(key string, value any) {
	c.viper().SetDefault(key, value)
}

// IsSet 判断 key 是否在任一来源中出现。
func (c *Config) IsSet(key string) bool {
	return c.viper().IsSet(key)
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst any) error {
	return c.viper().Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst any) error {
	return c.viper().UnmarshalKey(key, dst)
}
