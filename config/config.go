package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin      string        `mapstructure:"FF_BIN"`
	FFProbeBin string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout  time.Duration `mapstructure:"FF_TIMEOUT"` // auxiliary calls: probe, subtitle extraction

	CacheEnabled       bool          `mapstructure:"CACHE_ENABLED"`
	CachePath          string        `mapstructure:"CACHE_PATH"`
	CacheMaxSize       int64         `mapstructure:"CACHE_MAX_SIZE"`
	CacheMaxAgeDays    int           `mapstructure:"CACHE_MAX_AGE_DAYS"`
	CacheSweepInterval time.Duration `mapstructure:"CACHE_SWEEP_INTERVAL"`

	TranscoderThreads int    `mapstructure:"TRANSCODER_THREADS"`
	HLSSegmentSeconds int    `mapstructure:"HLS_SEGMENT_SECONDS"`
	SubtitleEncoding  string `mapstructure:"SUBTITLE_DEFAULT_ENCODING"`

	MonitorInterval time.Duration `mapstructure:"MONITOR_INTERVAL"`
	KillGrace       time.Duration `mapstructure:"KILL_GRACE"`
	ReadyAttempts   int           `mapstructure:"READY_ATTEMPTS"`
	ReadyInterval   time.Duration `mapstructure:"READY_INTERVAL"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	RunAsUID int `mapstructure:"RUN_AS_UID"`
	RunAsGID int `mapstructure:"RUN_AS_GID"`

	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	LogDev     bool   `mapstructure:"LOG_DEV"`
}

// stringToDurationHookFunc parses Go duration strings such as "250ms".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "10GB" into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let the weak decoder try.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "30s")

	vp.SetDefault("CACHE_ENABLED", true)
	vp.SetDefault("CACHE_PATH", filepath.Join(".", "cache"))
	vp.SetDefault("CACHE_MAX_SIZE", "10GB")
	vp.SetDefault("CACHE_MAX_AGE_DAYS", 30)
	vp.SetDefault("CACHE_SWEEP_INTERVAL", "1h")

	vp.SetDefault("TRANSCODER_THREADS", 0)
	vp.SetDefault("HLS_SEGMENT_SECONDS", 10)
	vp.SetDefault("SUBTITLE_DEFAULT_ENCODING", "UTF-8")

	vp.SetDefault("MONITOR_INTERVAL", "20ms")
	vp.SetDefault("KILL_GRACE", "2s")
	vp.SetDefault("READY_ATTEMPTS", 60)
	vp.SetDefault("READY_INTERVAL", "500ms")

	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	vp.SetDefault("RUN_AS_UID", -1)
	vp.SetDefault("RUN_AS_GID", -1)

	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_DEV", false)
}

// Load reads defaults, then ffcache_config.yaml, then FFCACHE_* environment variables.
func Load() (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	vp.SetConfigName("ffcache_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffcache/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFCACHE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MaxAge converts the day-based retention setting; zero disables the age pass.
func (c *Config) MaxAge() time.Duration {
	if c.CacheMaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(c.CacheMaxAgeDays) * 24 * time.Hour
}

// Threads returns TRANSCODER_THREADS, falling back to cpus when unset.
func (c *Config) Threads(cpus int) int {
	if c.TranscoderThreads > 0 {
		return c.TranscoderThreads
	}
	if cpus < 1 {
		return 1
	}
	return cpus
}
