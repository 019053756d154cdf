package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jaywantadh/SliceBook/internal/archive"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	ListenAddr      string           `mapstructure:"listen_addr"`
	DocRoot         string           `mapstructure:"doc_root"`
	LogLevel        string           `mapstructure:"log_level"`
	SliceCodec      string           `mapstructure:"slice_codec"`
	StrictChain     bool             `mapstructure:"strict_chain"`
	LedgerPath      string           `mapstructure:"ledger_path"`
	MaxMessageBytes int64            `mapstructure:"max_message_bytes"`
	Archive         archive.S3Config `mapstructure:"archive"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path, overlays SLICEBOOK_* environment variables and fills in
// defaults. A missing config file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("slicebook")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("doc_root", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("slice_codec", "none")
	v.SetDefault("strict_chain", false)
	v.SetDefault("ledger_path", "./data/.ledger")
	v.SetDefault("max_message_bytes", 64<<20)
	// AutomaticEnv only sees nested keys viper already knows about.
	for _, key := range []string{"bucket", "prefix", "region", "endpoint", "access_key", "secret_key"} {
		v.SetDefault("archive."+key, "")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if appConfig.DocRoot == "" {
		return nil, errors.New("doc_root must not be empty")
	}

	Config = &appConfig
	return Config, nil
}
