package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cryptopulse.com/pkg/logger"
)

// Load 读取 config/{service}.yaml，环境变量可覆盖
func Load(service string, out interface{}) (*viper.Viper, error) {
	v := newViper(service)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadAndWatch 在 Load 基础上监听文件变更。
// 变更时把新配置解到一个新对象里交给 onChange，不改 out，避免和读方竞争。
func LoadAndWatch[T any](service string, out *T, onChange func(next *T)) (*viper.Viper, error) {
	v, err := Load(service, out)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	v.OnConfigChange(func(e fsnotify.Event) {
		next := new(T)
		if err := v.Unmarshal(next); err != nil {
			logger.Log.Warn("reload config error", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Log.Info("config reloaded", zap.String("file", e.Name))
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()

	return v, nil
}

func newViper(service string) *viper.Viper {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 环境变量覆盖，例如 RELAY_HTTP_ADDR 覆盖 http.addr
	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
