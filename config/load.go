// config/load.go
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFile 从配置文件加载并覆盖默认值
// 支持 viper 能识别的全部格式（yaml/json/toml）
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
