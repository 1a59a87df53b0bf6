package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "200ms" in YAML
// and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the on-disk configuration.
type Config struct {
	LogLevel       string `json:"log_level" yaml:"log_level"`
	LogPretty      bool   `json:"log_pretty" yaml:"log_pretty"`
	ServerPort     int    `json:"server_port" yaml:"server_port"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`

	Output    OutputConfig    `json:"output" yaml:"output"`
	Input     InputConfig     `json:"input" yaml:"input"`
	Simulator SimulatorConfig `json:"simulator" yaml:"simulator"`
}

// OutputConfig holds the defaults for output streams. Names are the ones
// accepted by the output, pixelformat and hdr parsers.
type OutputConfig struct {
	DeviceIndex int    `json:"device_index" yaml:"device_index"`
	DisplayMode string `json:"display_mode" yaml:"display_mode"`
	PixelFormat string `json:"pixel_format" yaml:"pixel_format"`
	ColorSpace  string `json:"color_space" yaml:"color_space"`
	EOTF        string `json:"eotf" yaml:"eotf"`

	Preroll     int    `json:"preroll" yaml:"preroll"`
	PoolSize    int    `json:"pool_size" yaml:"pool_size"`
	MaxBuffered int    `json:"max_buffered" yaml:"max_buffered"`
	Mode        string `json:"mode" yaml:"mode"`

	GPUDirect bool        `json:"gpu_direct" yaml:"gpu_direct"`
	Keying    string      `json:"keying" yaml:"keying"`
	LinkMode  string      `json:"link_mode" yaml:"link_mode"`
	Audio     AudioConfig `json:"audio" yaml:"audio"`

	CompletionTimeout Duration `json:"completion_timeout" yaml:"completion_timeout"`
	StopTimeout       Duration `json:"stop_timeout" yaml:"stop_timeout"`
	CopyWorkers       int      `json:"copy_workers" yaml:"copy_workers"`
}

// AudioConfig is the embedded output audio.
type AudioConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Channels   int  `json:"channels" yaml:"channels"`
	SampleRate int  `json:"sample_rate" yaml:"sample_rate"`
}

// InputConfig holds the defaults for input streams.
type InputConfig struct {
	DeviceIndex int    `json:"device_index" yaml:"device_index"`
	PixelFormat string `json:"pixel_format" yaml:"pixel_format"`
	Passthrough bool   `json:"passthrough" yaml:"passthrough"`
}

// SimulatorConfig shapes the simulated cards used when no hardware driver
// is linked in.
type SimulatorConfig struct {
	Devices int     `json:"devices" yaml:"devices"`
	Speed   float64 `json:"speed" yaml:"speed"`
	GPU     bool    `json:"gpu" yaml:"gpu"`
	Keyer   bool    `json:"keyer" yaml:"keyer"`
}

// Defaults returns the configuration written on first run.
func Defaults() Config {
	return Config{
		LogLevel:       "info",
		ServerPort:     8080,
		MetricsEnabled: true,
		Output: OutputConfig{
			DisplayMode: "1080p59.94",
			PixelFormat: "auto",
			ColorSpace:  "rec709",
			EOTF:        "sdr",
			Preroll:     3,
			PoolSize:    5,
			MaxBuffered: 10,
			Mode:        "async",
			Keying:      "none",
			LinkMode:    "single",
			Audio: AudioConfig{
				Channels:   2,
				SampleRate: 48000,
			},
			CompletionTimeout: Duration(200 * time.Millisecond),
			StopTimeout:       Duration(200 * time.Millisecond),
		},
		Input: InputConfig{
			PixelFormat: "auto",
		},
		Simulator: SimulatorConfig{
			Devices: 1,
			Speed:   1,
		},
	}
}
