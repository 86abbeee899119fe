package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRDR"

// Load 读取策略 YAML：先用 yaml.v3 严格校验未知字段，再经 viper 合并环境变量后解码。
func Load(path string) (*StrategyConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}
	if err := checkKnownFields(raw); err != nil {
		return nil, fmt.Errorf("parsing config failed (%s): %w", abs, err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}
	return decode(v)
}

// Parse 从内存中的 YAML 构建配置，主要用于测试与内嵌策略。
func Parse(raw []byte) (*StrategyConfig, error) {
	if err := checkKnownFields(raw); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("reading config failed: %w", err)
	}
	return decode(v)
}

// Default 返回只包含默认值的配置（单周期，未绑定 symbol）。
func Default() *StrategyConfig {
	cfg := &StrategyConfig{}
	cfg.applyDefaults(make(keySet))
	return cfg
}

func decode(v *viper.Viper) (*StrategyConfig, error) {
	var cfg StrategyConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	collectSettingsKeys(v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkKnownFields(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("config is empty")
	}
	var strict StrategyConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(&strict)
}

func collectSettingsKeys(settings map[string]any, dest keySet) {
	if dest == nil || len(settings) == 0 {
		return
	}
	flattenConfigKeys("", settings, dest)
}

func flattenConfigKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		if prefix != "" {
			dest.mark(prefix)
		}
		for k, v := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenConfigKeys(next, v, dest)
		}
	case []any:
		if prefix != "" {
			dest.mark(prefix)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
