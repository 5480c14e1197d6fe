package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Connection sharing strategies between channel loops.
const (
	StrategyPerChannel = "perchannel"
	StrategyShared     = "shared"
)

// Config is the resolved runtime configuration. Flags override
// environment variables (loaded from .env when present), which override
// the defaults.
type Config struct {
	Addr     string
	Baud     int
	Strategy string
	CSVBase  string
	Verbose  bool

	ProfilePaths []string

	MQTTBroker     string
	MQTTUsername   string
	MQTTPassword   string
	MQTTDeviceName string
}

func defaultConfig() Config {
	return Config{
		Addr:           "192.168.1.100:5555",
		Baud:           9600,
		Strategy:       StrategyPerChannel,
		MQTTDeviceName: "dp832",
	}
}

// configFromEnv layers environment values over the defaults.
func configFromEnv() Config {
	cfg := defaultConfig()
	if v := os.Getenv("DP832_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DP832_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil && baud > 0 {
			cfg.Baud = baud
		} else {
			log.Printf("Warning: ignoring invalid DP832_BAUD %q\n", v)
		}
	}
	if v := os.Getenv("DP832_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("DP832_CSV"); v != "" {
		cfg.CSVBase = v
	}
	if v := os.Getenv("DP832_VERBOSE"); v != "" {
		cfg.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTTPassword = v
	}
	if v := os.Getenv("MQTT_DEVICE_NAME"); v != "" {
		cfg.MQTTDeviceName = v
	}
	return cfg
}

// profileList collects repeated -p flags.
type profileList []string

func (p *profileList) String() string {
	return strings.Join(*p, ",")
}

func (p *profileList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

// parseConfig resolves the configuration for one mode from its
// command-line arguments.
func parseConfig(mode string, args []string) (Config, error) {
	cfg := configFromEnv()

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "device address, host:port or serial device path")
	fs.IntVar(&cfg.Baud, "baud", cfg.Baud, "baud rate for serial connections")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "connection sharing: perchannel or shared")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "trace measurement polls as well as setpoint commands")

	var profiles profileList
	if mode == "sim" {
		fs.StringVar(&cfg.CSVBase, "csv", cfg.CSVBase, "sample log base path, one CSV per channel")
		fs.Var(&profiles, "p", "battery profile JSON file (repeat for multiple channels)")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.ProfilePaths = profiles

	if cfg.Strategy != StrategyPerChannel && cfg.Strategy != StrategyShared {
		return Config{}, fmt.Errorf("unknown strategy %q (want %s or %s)",
			cfg.Strategy, StrategyPerChannel, StrategyShared)
	}
	if cfg.Baud <= 0 {
		return Config{}, fmt.Errorf("baud rate must be positive, got %d", cfg.Baud)
	}
	if mode == "sim" && len(cfg.ProfilePaths) == 0 {
		return Config{}, fmt.Errorf("no battery profiles specified, use -p <profile.json>")
	}
	return cfg, nil
}

// SerialDevice reports whether the configured address names a serial
// device path rather than a TCP endpoint.
func (c *Config) SerialDevice() bool {
	return !strings.Contains(c.Addr, ":")
}
