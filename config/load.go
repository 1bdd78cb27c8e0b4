package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Server struct {
		Host          string `toml:"host"`
		Port          int    `toml:"port"`
		MaxFrameSize  int    `toml:"max_frame_size"`
		ReadChunkSize int    `toml:"read_chunk_size"`
		ReadTimeout   string `toml:"read_timeout"`
		WriteTimeout  string `toml:"write_timeout"`
	} `toml:"server"`

	Sensor struct {
		DeviceName            string `toml:"device_name"`
		LiveBufferSize        int    `toml:"live_buffer_size"`
		CalibrationBufferSize int    `toml:"calibration_buffer_size"`
		SampleInterval        string `toml:"sample_interval"`
		CalibrationTimeout    string `toml:"calibration_timeout"`
		CalibrationReuse      string `toml:"calibration_reuse"`
		SyntheticSeed         int64  `toml:"synthetic_seed"`
	} `toml:"sensor"`

	Cache struct {
		Backend        string `toml:"backend"`
		RedisAddress   string `toml:"redis_address"`
		RedisPassword  string `toml:"redis_password"`
		RedisDB        int    `toml:"redis_db"`
		RedisKeyPrefix string `toml:"redis_key_prefix"`
	} `toml:"cache"`

	Log struct {
		Level string `toml:"level"`
		Dir   string `toml:"dir"`
	} `toml:"log"`
}

// Load reads a TOML settings file over the defaults. Only keys present in
// the file override a default. The result is validated.
//
// Parameters:
//   - path: Path of the TOML file
//
// Returns:
//   - The loaded settings
//   - An error if the file cannot be decoded or a value is invalid
func Load(path string) (Settings, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("server", "host") {
		cfg.Host = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "port") {
		cfg.Port = raw.Server.Port
	}
	if meta.IsDefined("server", "max_frame_size") {
		cfg.MaxFrameSize = raw.Server.MaxFrameSize
	}
	if meta.IsDefined("server", "read_chunk_size") {
		cfg.ReadChunkSize = raw.Server.ReadChunkSize
	}
	if meta.IsDefined("server", "read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.Server.ReadTimeout); err != nil {
			return Settings{}, err
		}
	}
	if meta.IsDefined("server", "write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.Server.WriteTimeout); err != nil {
			return Settings{}, err
		}
	}

	if meta.IsDefined("sensor", "device_name") {
		cfg.DeviceName = strings.TrimSpace(raw.Sensor.DeviceName)
	}
	if meta.IsDefined("sensor", "live_buffer_size") {
		cfg.LiveBufferSize = raw.Sensor.LiveBufferSize
	}
	if meta.IsDefined("sensor", "calibration_buffer_size") {
		cfg.CalibrationBufferSize = raw.Sensor.CalibrationBufferSize
	}
	if meta.IsDefined("sensor", "sample_interval") {
		if cfg.SampleInterval, err = parseDuration("sample_interval", raw.Sensor.SampleInterval); err != nil {
			return Settings{}, err
		}
	}
	if meta.IsDefined("sensor", "calibration_timeout") {
		if cfg.CalibrationTimeout, err = parseDuration("calibration_timeout", raw.Sensor.CalibrationTimeout); err != nil {
			return Settings{}, err
		}
	}
	if meta.IsDefined("sensor", "calibration_reuse") {
		if cfg.CalibrationReuse, err = parseDuration("calibration_reuse", raw.Sensor.CalibrationReuse); err != nil {
			return Settings{}, err
		}
	}
	if meta.IsDefined("sensor", "synthetic_seed") {
		cfg.SyntheticSeed = raw.Sensor.SyntheticSeed
	}

	if meta.IsDefined("cache", "backend") {
		cfg.CacheBackend = strings.ToLower(strings.TrimSpace(raw.Cache.Backend))
	}
	if meta.IsDefined("cache", "redis_address") {
		cfg.RedisAddress = strings.TrimSpace(raw.Cache.RedisAddress)
	}
	if meta.IsDefined("cache", "redis_password") {
		cfg.RedisPassword = raw.Cache.RedisPassword
	}
	if meta.IsDefined("cache", "redis_db") {
		cfg.RedisDB = raw.Cache.RedisDB
	}
	if meta.IsDefined("cache", "redis_key_prefix") {
		cfg.RedisKeyPrefix = strings.TrimSpace(raw.Cache.RedisKeyPrefix)
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "dir") {
		cfg.LogDir = strings.TrimSpace(raw.Log.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

func parseDuration(field, text string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(text))
	if err != nil {
		return 0, &FieldError{Field: field, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
	}
	return d, nil
}
