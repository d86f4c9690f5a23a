// Package config loads the node configuration and publishes the effective
// settings on the bus.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"myoblink/bus"
	"myoblink/flexray"
	"myoblink/internal/logging"
	"myoblink/services/myo"
)

// EnvBridge supplies the bus description when the file does not.
const EnvBridge = "MYO_FLEX_BRIDGE"

// ParamBridge names the bus description in diagnostics.
const ParamBridge = "flex_bridge"

const (
	DriverSim    = "sim"
	DriverSpidev = "spidev"
)

type Node struct {
	Driver string `json:"driver"`
}

type Metrics struct {
	Listen string `json:"listen"` // empty disables the endpoint
}

type Recorder struct {
	File string `json:"file"` // empty disables recording
}

type Heartbeat struct {
	Period time.Duration `json:"period"`
}

// Link is the peer socket of the bus bridge.
type Link struct {
	Network        string        `json:"network"` // tcp or unix
	Address        string        `json:"address"` // empty disables the bridge
	RequestTimeout time.Duration `json:"request_timeout"`
}

type Sim struct {
	Present []int `json:"present"`
}

type Spidev struct {
	SpeedHz uint32 `json:"speed_hz"`
}

// Config is the full node configuration.
type Config struct {
	Node      Node
	Loop      myo.Config
	Log       logging.Config
	Metrics   Metrics
	Recorder  Recorder
	Heartbeat Heartbeat
	Link      Link
	Sim       Sim
	Spidev    Spidev

	// Bridge is the raw bus description and BridgeSource where it came from.
	Bridge       string
	BridgeSource string
}

func Default() Config {
	return Config{
		Node:      Node{Driver: DriverSim},
		Loop:      myo.DefaultConfig(),
		Log:       logging.DefaultConfig(),
		Metrics:   Metrics{Listen: ":9464"},
		Heartbeat: Heartbeat{Period: time.Second},
		Link:      Link{Network: "tcp", Address: "127.0.0.1:7410", RequestTimeout: time.Second},
		Spidev:    Spidev{SpeedHz: 1_000_000},
	}
}

// Error is a fatal configuration problem.
type Error struct {
	Param string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var pe *flexray.ParseError
	if errors.As(e.Err, &pe) {
		return e.Param + pe.Error()
	}
	s := e.Param + ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

type fileConfig struct {
	Node struct {
		Name   string `toml:"name"`
		Driver string `toml:"driver"`
	} `toml:"node"`
	Bridge struct {
		Description     string `toml:"description"`
		DescriptionFile string `toml:"description_file"`
	} `toml:"bridge"`
	Loop struct {
		RateHz       uint32   `toml:"rate_hz"`
		ReadTimeout  string   `toml:"read_timeout"`
		WriteTimeout string   `toml:"write_timeout"`
		LossAfter    int      `toml:"loss_after"`
		Tracked      []string `toml:"tracked"`
		Backoff      struct {
			Initial    string  `toml:"initial"`
			Multiplier float64 `toml:"multiplier"`
			Max        string  `toml:"max"`
			Jitter     bool    `toml:"jitter"`
		} `toml:"backoff"`
	} `toml:"loop"`
	Log     logging.Config `toml:"log"`
	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`
	Recorder struct {
		File string `toml:"file"`
	} `toml:"recorder"`
	Heartbeat struct {
		Period string `toml:"period"`
	} `toml:"heartbeat"`
	Link struct {
		Network        string `toml:"network"`
		Address        string `toml:"address"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"link"`
	Sim struct {
		Present []int `toml:"present"`
	} `toml:"sim"`
	Spidev struct {
		SpeedHz uint32 `toml:"speed_hz"`
	} `toml:"spidev"`
}

// Load reads the TOML file at path over the defaults and resolves the bus
// description. An empty path uses defaults only. getenv may be nil.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if getenv == nil {
		getenv = os.Getenv
	}
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := resolveBridge(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	raw := fileConfig{Log: cfg.Log}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config: unknown key %q", undec[0].String())
	}

	if meta.IsDefined("node", "name") {
		cfg.Loop.Name = strings.TrimSpace(raw.Node.Name)
	}
	if meta.IsDefined("node", "driver") {
		cfg.Node.Driver = strings.TrimSpace(raw.Node.Driver)
	}
	if meta.IsDefined("bridge", "description") {
		cfg.Bridge = raw.Bridge.Description
		cfg.BridgeSource = path
	}
	if meta.IsDefined("bridge", "description_file") && cfg.Bridge == "" {
		f := raw.Bridge.DescriptionFile
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		b, err := os.ReadFile(f)
		if err != nil {
			return &Error{Param: ParamBridge, Msg: "read description_file", Err: err}
		}
		cfg.Bridge = string(b)
		cfg.BridgeSource = f
	}

	if meta.IsDefined("loop", "rate_hz") {
		cfg.Loop.RateHz = raw.Loop.RateHz
	}
	durs := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"read_timeout", raw.Loop.ReadTimeout, &cfg.Loop.ReadTimeout},
		{"write_timeout", raw.Loop.WriteTimeout, &cfg.Loop.WriteTimeout},
	}
	for _, d := range durs {
		if !meta.IsDefined("loop", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse loop.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("loop", "loss_after") {
		cfg.Loop.LossAfter = raw.Loop.LossAfter
	}
	if meta.IsDefined("loop", "tracked") {
		tracked, err := parseTracked(raw.Loop.Tracked)
		if err != nil {
			return err
		}
		cfg.Loop.Tracked = tracked
	}
	if meta.IsDefined("loop", "backoff", "initial") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Loop.Backoff.Initial))
		if err != nil {
			return fmt.Errorf("parse loop.backoff.initial: %w", err)
		}
		cfg.Loop.Backoff.InitialDelay = v
	}
	if meta.IsDefined("loop", "backoff", "max") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Loop.Backoff.Max))
		if err != nil {
			return fmt.Errorf("parse loop.backoff.max: %w", err)
		}
		cfg.Loop.Backoff.MaxDelay = v
	}
	if meta.IsDefined("loop", "backoff", "multiplier") {
		cfg.Loop.Backoff.Multiplier = raw.Loop.Backoff.Multiplier
	}
	if meta.IsDefined("loop", "backoff", "jitter") {
		cfg.Loop.Backoff.Jitter = raw.Loop.Backoff.Jitter
	}

	cfg.Log = raw.Log
	if meta.IsDefined("metrics", "listen") {
		cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)
	}
	if meta.IsDefined("recorder", "file") {
		cfg.Recorder.File = strings.TrimSpace(raw.Recorder.File)
	}
	if meta.IsDefined("heartbeat", "period") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat.Period))
		if err != nil {
			return fmt.Errorf("parse heartbeat.period: %w", err)
		}
		cfg.Heartbeat.Period = v
	}
	if meta.IsDefined("link", "network") {
		cfg.Link.Network = strings.TrimSpace(raw.Link.Network)
	}
	if meta.IsDefined("link", "address") {
		cfg.Link.Address = strings.TrimSpace(raw.Link.Address)
	}
	if meta.IsDefined("link", "request_timeout") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Link.RequestTimeout))
		if err != nil {
			return fmt.Errorf("parse link.request_timeout: %w", err)
		}
		cfg.Link.RequestTimeout = v
	}
	if meta.IsDefined("sim", "present") {
		cfg.Sim.Present = raw.Sim.Present
	}
	if meta.IsDefined("spidev", "speed_hz") {
		cfg.Spidev.SpeedHz = raw.Spidev.SpeedHz
	}
	return nil
}

// parseTracked reads "g/m" entries.
func parseTracked(in []string) ([]flexray.Address, error) {
	out := make([]flexray.Address, 0, len(in))
	for _, s := range in {
		var a flexray.Address
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d/%d", &a.Ganglion, &a.Muscle); err != nil {
			return nil, fmt.Errorf("parse loop.tracked %q: want ganglion/muscle", s)
		}
		out = append(out, a)
	}
	return out, nil
}

// resolveBridge applies the environment fallback and reports a missing
// description.
func resolveBridge(cfg *Config, getenv func(string) string) error {
	if cfg.Bridge != "" {
		return nil
	}
	if v := getenv(EnvBridge); v != "" {
		cfg.Bridge = v
		cfg.BridgeSource = "$" + EnvBridge
		return nil
	}
	return &Error{
		Param: ParamBridge,
		Msg:   "no bus description; set [bridge] description or description_file, or " + EnvBridge,
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.Node.Driver {
	case DriverSim, DriverSpidev:
	default:
		errs = append(errs, fmt.Errorf("node.driver %q: want %s or %s", c.Node.Driver, DriverSim, DriverSpidev))
	}
	if err := c.Loop.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("loop: %w", err))
	}
	if c.Link.Address != "" {
		switch c.Link.Network {
		case "tcp", "tcp4", "tcp6", "unix":
		default:
			errs = append(errs, fmt.Errorf("link.network %q: want tcp or unix", c.Link.Network))
		}
		if c.Link.RequestTimeout <= 0 {
			errs = append(errs, errors.New("link.request_timeout: must be positive"))
		}
	}
	if c.Node.Driver == DriverSpidev && c.Spidev.SpeedHz == 0 {
		errs = append(errs, errors.New("spidev.speed_hz: must be positive"))
	}
	return errors.Join(errs...)
}

// Description parses the bus description. Parse failures come back as *Error
// carrying the *flexray.ParseError.
func (c Config) Description() (flexray.BusDescription, error) {
	d, err := flexray.ParseDescription(c.Bridge)
	if err != nil {
		return flexray.BusDescription{}, &Error{Param: ParamBridge, Msg: "parse", Err: err}
	}
	return d, nil
}

// Publish puts the effective settings on the bus as retained messages under
// <name>/config/<section>.
func Publish(conn *bus.Connection, c Config) {
	prefix := bus.T(c.Loop.Name, "config")
	sections := []struct {
		key string
		val any
	}{
		{"node", c.Node},
		{"loop", c.Loop},
		{"metrics", c.Metrics},
		{"recorder", c.Recorder},
		{"link", c.Link},
		{"bridge", c.BridgeSource},
	}
	for _, s := range sections {
		conn.Publish(conn.NewMessage(prefix.Append(s.key), s.val, true))
	}
}
