// Package config loads the YAML machine description: board geometry,
// per-motor pin assignments, pen servo tuning, and the daemon's operating
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds how large a config file Load will accept.
const MaxConfigFileBytes = 1 << 20 // 1 MiB

// ValidateConfigPath rejects anything but a plain "configs/<name>.yaml" path,
// guarding against path traversal when a path arrives from a CLI flag.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path must not be empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("config path must not contain '..': %q", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path must end in .yaml: %q", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path must live under a configs/ directory: %q", path)
	}
	return nil
}

// DirPolarity selects which logic level on a motor's DIR pin corresponds
// to a positive (increasing length) step.
type DirPolarity string

const (
	Normal   DirPolarity = "normal"
	Inverted DirPolarity = "inverted"
)

// StepperConfig holds the configuration for one stepper motor driver.
type StepperConfig struct {
	StepPin     int         `yaml:"step_pin"`
	DirPin      int         `yaml:"dir_pin"`
	EnablePin   int         `yaml:"enable_pin"` // driver ENABLE pin (BCM). Parsed only; no code drives this pin.
	DirPolarity DirPolarity `yaml:"dir_polarity"`
}

// BoardConfig describes the physical geometry of the drawing surface and
// the string/spool relationship used to convert lengths to steps.
type BoardConfig struct {
	WidthMm                   float64 `yaml:"width_mm"`
	HeightMm                  float64 `yaml:"height_mm"`
	ConnectionToPenDistanceMm float64 `yaml:"connection_to_pen_distance_mm"`
	MotorVerticalOffsetMm     float64 `yaml:"motor_vertical_offset_mm"`
	SpoolDiameterMm           float64 `yaml:"spool_diameter_mm"`
	StepsPerRev               int     `yaml:"steps_per_rev"`
	Microsteps                int     `yaml:"microsteps"`
}

// PenConfig describes the pen-lift servo.
type PenConfig struct {
	Pin           int     `yaml:"pin"`
	UpAngleDeg    float64 `yaml:"up_angle_deg"`
	DownAngleDeg  float64 `yaml:"down_angle_deg"`
	SettleDelayMs int     `yaml:"settle_delay_ms"`
	FreqHz        int     `yaml:"freq_hz"`
	MinPulseUS    int     `yaml:"min_pulse_us"`
	MaxPulseUS    int     `yaml:"max_pulse_us"`
}

// MotionConfig holds the speed and pulse-timing defaults shared by every
// queued move.
type MotionConfig struct {
	TravelSpeed int `yaml:"travel_speed"` // default steps/second when a point omits speed
	MaxSpeed    int `yaml:"max_speed"`    // steps/second ceiling, faster requests are clamped to it
	MinPulseUS  int `yaml:"min_pulse_us"` // STEP-pin high time; the step delay never drops below 4x this
	YieldEvery  int `yaml:"yield_every"`  // pulses between runtime.Gosched() calls in the pulse engine
}

// QueueConfig bounds the motion queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// ServerConfig configures the device HTTP surface.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// DefaultsConfig contains cross-cutting daemon parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // 0=off,1=info,2=live,3=verbose,4=trace
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	LeftStepper  StepperConfig  `yaml:"left_stepper"`
	RightStepper StepperConfig  `yaml:"right_stepper"`
	Board        BoardConfig    `yaml:"board"`
	Pen          PenConfig      `yaml:"pen"`
	Motion       MotionConfig   `yaml:"motion"`
	Queue        QueueConfig    `yaml:"queue"`
	Server       ServerConfig   `yaml:"server"`
	Defaults     DefaultsConfig `yaml:"defaults"`
}

// Load reads a YAML file and returns the configuration, filling in
// defaults for anything left zero.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.Board.WidthMm <= 0 {
		return nil, fmt.Errorf("board.width_mm must be > 0")
	}
	if cfg.Board.HeightMm <= 0 {
		return nil, fmt.Errorf("board.height_mm must be > 0")
	}
	if cfg.Board.SpoolDiameterMm <= 0 {
		return nil, fmt.Errorf("board.spool_diameter_mm must be > 0")
	}
	if cfg.Board.StepsPerRev <= 0 {
		cfg.Board.StepsPerRev = 200 // common NEMA-17 full-step count
	}
	if cfg.Board.Microsteps <= 0 {
		cfg.Board.Microsteps = 16
	}

	if cfg.LeftStepper.DirPolarity == "" {
		cfg.LeftStepper.DirPolarity = Normal
	}
	if cfg.RightStepper.DirPolarity == "" {
		cfg.RightStepper.DirPolarity = Normal
	}

	if cfg.Pen.SettleDelayMs <= 0 {
		cfg.Pen.SettleDelayMs = 400
	}
	if cfg.Pen.FreqHz <= 0 {
		cfg.Pen.FreqHz = 50
	}
	if cfg.Pen.MinPulseUS <= 0 {
		cfg.Pen.MinPulseUS = 600
	}
	if cfg.Pen.MaxPulseUS <= 0 {
		cfg.Pen.MaxPulseUS = 2400
	}
	if cfg.Pen.DownAngleDeg == 0 && cfg.Pen.UpAngleDeg == 0 {
		cfg.Pen.UpAngleDeg = 60
		cfg.Pen.DownAngleDeg = 90
	}

	if cfg.Motion.TravelSpeed <= 0 {
		cfg.Motion.TravelSpeed = 800
	}
	if cfg.Motion.MaxSpeed <= 0 {
		cfg.Motion.MaxSpeed = 2000
	}
	if cfg.Motion.MinPulseUS <= 0 {
		cfg.Motion.MinPulseUS = 5
	}
	if cfg.Motion.YieldEvery <= 0 {
		cfg.Motion.YieldEvery = 100
	}
	if cfg.Motion.TravelSpeed > cfg.Motion.MaxSpeed {
		return nil, fmt.Errorf("motion.travel_speed (%d) must not exceed motion.max_speed (%d)",
			cfg.Motion.TravelSpeed, cfg.Motion.MaxSpeed)
	}

	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 2000
	}

	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = ":8080"
	}

	return &cfg, nil
}

// PenSettleDelay returns the pen's settle delay as a Duration.
func (c *Config) PenSettleDelay() time.Duration {
	return time.Duration(c.Pen.SettleDelayMs) * time.Millisecond
}
