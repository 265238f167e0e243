package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/drivebase/internal/logic/pid"
)

// MotorConfig holds the wiring of one wheel motor. Pins are BCM numbers.
type MotorConfig struct {
	ID            string     `yaml:"id"`              // e.g., "left"
	ForwardPin    int        `yaml:"forward_pin"`     // PWM channel driving forward
	ReversePin    int        `yaml:"reverse_pin"`     // PWM channel driving reverse
	EnablePin     int        `yaml:"enable_pin"`      // bridge enable. 0 = not used. Active HIGH.
	EncoderPin    int        `yaml:"encoder_pin"`     // single-track encoder output
	EnableOnStart bool       `yaml:"enable_on_start"` // raise enable at startup (default: off)
	PID           *PIDConfig `yaml:"pid,omitempty"`   // optional per-motor override of the global gains
}

// PIDConfig holds gains and clamps. Nil fields take the value of the
// enclosing level (per-motor → global → built-in defaults).
type PIDConfig struct {
	Kp          *float64 `yaml:"kp"`
	Ki          *float64 `yaml:"ki"`
	Kd          *float64 `yaml:"kd"`
	OutMin      *float64 `yaml:"out_min"`
	OutMax      *float64 `yaml:"out_max"`
	IntegralMin *float64 `yaml:"integral_min"`
	IntegralMax *float64 `yaml:"integral_max"`
}

// PWMConfig describes the bridge PWM channels.
type PWMConfig struct {
	FrequencyHz    int `yaml:"frequency_hz"`    // default 4000
	ResolutionBits int `yaml:"resolution_bits"` // default 10 (max duty 1024)
}

// ControlConfig holds the loop parameters shared by all motors.
type ControlConfig struct {
	PeriodMs     int     `yaml:"period_ms"`      // sampling period (default 10)
	PulsesPerRev int     `yaml:"pulses_per_rev"` // encoder pulses per wheel revolution (default 30)
	MaxDelta     int     `yaml:"max_delta"`      // pulses per period above which a sample is clamped. 0 = off
	MaxVelocity  float64 `yaml:"max_velocity"`   // |setpoint| limit in rad/s. 0 = off
}

// EncoderConfig holds the encoder input settings.
type EncoderConfig struct {
	GlitchFilterUs int `yaml:"glitch_filter_us"` // default 10, negative = off
}

// TelemetryConfig controls the periodic status publisher.
type TelemetryConfig struct {
	PeriodMs int `yaml:"period_ms"` // default 100
}

// WebConfig holds the transport adapter settings.
type WebConfig struct {
	Port int `yaml:"port" env:"DRIVEBASE_WEB_PORT"` // 0 = disabled unless -web is given
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level" env:"DRIVEBASE_DEBUG_LEVEL"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool   `yaml:"mock_gpio" env:"DRIVEBASE_MOCK_GPIO"`       // forces gpio_backend to mock, whatever it says
	GPIOBackend string `yaml:"gpio_backend" env:"DRIVEBASE_GPIO_BACKEND"` // "mock", "rpio" (default) or "periph"
}

// Config aggregates all application configuration.
type Config struct {
	Defaults  DefaultsConfig  `yaml:"defaults"`
	PWM       PWMConfig       `yaml:"pwm"`
	Control   ControlConfig   `yaml:"control"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	PID       PIDConfig       `yaml:"pid"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
	Motors    []MotorConfig   `yaml:"motors"`
}

var backends = map[string]bool{"mock": true, "rpio": true, "periph": true}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q: extension must be .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q: file must be in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file access.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides the defaults and web sections from DRIVEBASE_*
// environment variables. Unset variables leave the file values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(&cfg.Defaults); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if err := env.Parse(&cfg.Web); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	switch {
	case c.Defaults.MockGPIO:
		c.Defaults.GPIOBackend = "mock"
	case c.Defaults.GPIOBackend == "":
		c.Defaults.GPIOBackend = "rpio"
	}
	if c.PWM.FrequencyHz == 0 {
		c.PWM.FrequencyHz = 4000
	}
	if c.PWM.ResolutionBits == 0 {
		c.PWM.ResolutionBits = 10
	}
	if c.Control.PeriodMs == 0 {
		c.Control.PeriodMs = 10
	}
	if c.Control.PulsesPerRev == 0 {
		c.Control.PulsesPerRev = 30
	}
	if c.Encoder.GlitchFilterUs == 0 {
		c.Encoder.GlitchFilterUs = 10
	}
	if c.Telemetry.PeriodMs <= 0 {
		c.Telemetry.PeriodMs = 100
	}

	d := pid.DefaultParams()
	fill := func(p **float64, v float64) {
		if *p == nil {
			*p = &v
		}
	}
	fill(&c.PID.Kp, d.Kp)
	fill(&c.PID.Ki, d.Ki)
	fill(&c.PID.Kd, d.Kd)
	fill(&c.PID.OutMin, d.OutMin)
	fill(&c.PID.OutMax, d.OutMax)
	fill(&c.PID.IntegralMin, d.IntegralMin)
	fill(&c.PID.IntegralMax, d.IntegralMax)
}

// Validate reports every problem found, not just the first one.
func (c *Config) Validate() error {
	var err error
	add := func(format string, args ...interface{}) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		add("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if !backends[c.Defaults.GPIOBackend] {
		add("defaults.gpio_backend must be mock, rpio or periph, got %q", c.Defaults.GPIOBackend)
	}
	if c.PWM.FrequencyHz < 0 {
		add("pwm.frequency_hz must be > 0, got %d", c.PWM.FrequencyHz)
	}
	if c.PWM.ResolutionBits < 1 || c.PWM.ResolutionBits > 20 {
		add("pwm.resolution_bits must be between 1 and 20, got %d", c.PWM.ResolutionBits)
	}
	if c.Control.PeriodMs < 0 {
		add("control.period_ms must be > 0, got %d", c.Control.PeriodMs)
	}
	if c.Control.PulsesPerRev < 0 {
		add("control.pulses_per_rev must be > 0, got %d", c.Control.PulsesPerRev)
	}
	if c.Control.MaxDelta < 0 {
		add("control.max_delta must be >= 0, got %d", c.Control.MaxDelta)
	}
	if c.Control.MaxVelocity < 0 {
		add("control.max_velocity must be >= 0, got %g", c.Control.MaxVelocity)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		add("web.port must be between 0 and 65535, got %d", c.Web.Port)
	}

	if len(c.Motors) == 0 {
		add("at least one motor is required")
	}
	ids := make(map[string]bool)
	pins := make(map[int]string)
	usePin := func(pin int, owner string) {
		if prev, taken := pins[pin]; taken {
			add("pin %d used by both %s and %s", pin, prev, owner)
			return
		}
		pins[pin] = owner
	}
	for i, m := range c.Motors {
		name := m.ID
		if name == "" {
			add("motors[%d].id is required", i)
			name = fmt.Sprintf("motors[%d]", i)
		} else if ids[m.ID] {
			add("duplicate motor id %q", m.ID)
		}
		ids[m.ID] = true

		for _, p := range []struct {
			field string
			pin   int
		}{{"forward_pin", m.ForwardPin}, {"reverse_pin", m.ReversePin}, {"encoder_pin", m.EncoderPin}} {
			if p.pin <= 0 {
				add("%s.%s must be > 0, got %d", name, p.field, p.pin)
				continue
			}
			usePin(p.pin, name+"."+p.field)
		}
		if m.EnablePin < 0 {
			add("%s.enable_pin must be >= 0, got %d", name, m.EnablePin)
		} else if m.EnablePin > 0 {
			usePin(m.EnablePin, name+".enable_pin")
		}
		if perr := c.PIDParams(m).Validate(); perr != nil {
			add("%s: %v", name, perr)
		}
	}
	return err
}

// PIDParams resolves the gains of one motor: its own overrides, then the
// global pid section.
func (c *Config) PIDParams(m MotorConfig) pid.Params {
	p := pid.DefaultParams()
	for _, src := range []*PIDConfig{&c.PID, m.PID} {
		if src == nil {
			continue
		}
		set := func(dst *float64, v *float64) {
			if v != nil {
				*dst = *v
			}
		}
		set(&p.Kp, src.Kp)
		set(&p.Ki, src.Ki)
		set(&p.Kd, src.Kd)
		set(&p.OutMin, src.OutMin)
		set(&p.OutMax, src.OutMax)
		set(&p.IntegralMin, src.IntegralMin)
		set(&p.IntegralMax, src.IntegralMax)
	}
	return p
}

// Period returns the control loop sampling period.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Control.PeriodMs) * time.Millisecond
}

// Frequency returns the PWM frequency.
func (c *Config) Frequency() physic.Frequency {
	return physic.Frequency(c.PWM.FrequencyHz) * physic.Hertz
}

// GlitchFilter returns the encoder glitch filter width. Negative disables it.
func (c *Config) GlitchFilter() time.Duration {
	return time.Duration(c.Encoder.GlitchFilterUs) * time.Microsecond
}

// TelemetryPeriod returns the interval between two telemetry pushes.
func (c *Config) TelemetryPeriod() time.Duration {
	return time.Duration(c.Telemetry.PeriodMs) * time.Millisecond
}

// Motor returns the motor with the given id.
func (c *Config) Motor(id string) (MotorConfig, bool) {
	for _, m := range c.Motors {
		if m.ID == id {
			return m, true
		}
	}
	return MotorConfig{}, false
}
