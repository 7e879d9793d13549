package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Sink kinds selectable for volume output.
const (
	SinkDevice = "device"
	SinkSystem = "system"
)

// Settings is the runtime configuration assembled from defaults, an optional
// config file, ARCHERVOL_* environment variables and command-line flags.
type Settings struct {
	Demo    bool   `mapstructure:"demo"`
	Adapter string `mapstructure:"adapter"`
	Sink    string `mapstructure:"sink"`
	Device  string `mapstructure:"device"` // optional name or id filter used when connecting
	Feed    string `mapstructure:"feed"`   // listen address for the websocket feed, empty disables it

	Log    LogSettings    `mapstructure:"log"`
	Volume VolumeSettings `mapstructure:"volume"`

	AutoMode       bool          `mapstructure:"auto_mode"`
	TargetDistance int           `mapstructure:"target_distance"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type VolumeSettings struct {
	Min     int `mapstructure:"min"`
	Max     int `mapstructure:"max"`
	Initial int `mapstructure:"initial"` // 0 disables the initial dispatch on connect
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("demo", false)
	v.SetDefault("adapter", "hci0")
	v.SetDefault("sink", SinkDevice)
	v.SetDefault("device", "")
	v.SetDefault("feed", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "archer-volume.log")
	v.SetDefault("volume.min", VolumeFloor)
	v.SetDefault("volume.max", VolumeCeil)
	v.SetDefault("volume.initial", 3)
	v.SetDefault("auto_mode", false)
	v.SetDefault("target_distance", DefaultTargetDistance)
	v.SetDefault("sample_interval", SampleInterval)
}

// Load builds Settings. path may be empty, in which case ./archer-volume.yaml
// and $HOME/.config/archer-volume/ are searched and a missing file is not an
// error. Flags that were explicitly set override every other source.
func Load(path string, flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("archer-volume")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/archer-volume")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Settings{}, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// flag name -> settings key
var flagKeys = map[string]string{
	"demo":      "demo",
	"adapter":   "adapter",
	"sink":      "sink",
	"device":    "device",
	"feed":      "feed",
	"log-level": "log.level",
	"log-file":  "log.file",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks ranges and enumerations.
func (s Settings) Validate() error {
	switch s.Sink {
	case SinkDevice, SinkSystem:
	default:
		return fmt.Errorf("invalid sink %q (must be %s or %s)", s.Sink, SinkDevice, SinkSystem)
	}
	if s.Volume.Min < VolumeFloor || s.Volume.Max > VolumeCeil || s.Volume.Min > s.Volume.Max {
		return fmt.Errorf("invalid volume range %d-%d (need %d <= min <= max <= %d)",
			s.Volume.Min, s.Volume.Max, VolumeFloor, VolumeCeil)
	}
	if s.Volume.Initial != 0 && (s.Volume.Initial < VolumeFloor || s.Volume.Initial > VolumeCeil) {
		return fmt.Errorf("invalid initial volume %d", s.Volume.Initial)
	}
	if !slices.Contains(TargetDistances, s.TargetDistance) {
		return fmt.Errorf("invalid target distance %dm (must be one of %v)", s.TargetDistance, TargetDistances)
	}
	if s.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", s.SampleInterval)
	}
	return nil
}
