package comm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"

	"dosgo/bclProxy/util"
)

const (
	DefaultConfigFile = "bclproxy.json"
	// SerialPortUUID is the Bluetooth SPP service class.
	SerialPortUUID = "00001101-0000-1000-8000-00805F9B34FB"
)

// Link types accepted in LinkConfig.Type.
const (
	LinkSerial = "serial"
	LinkRFCOMM = "rfcomm"
	LinkBlueZ  = "bluez"
	LinkTCP    = "tcp"
)

type LinkConfig struct {
	Type string `json:"type"`
	// Address is a tty path for serial, a MAC for rfcomm/bluez and
	// host:port for tcp.
	Address string `json:"address"`
	// Channel 0 scans RFCOMM channels 1..5.
	Channel int    `json:"channel,omitempty"`
	Baud    int    `json:"baud,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Adapter string `json:"adapter,omitempty"`
}

type ProxyConfig struct {
	Listen   string `json:"listen"`
	DestPort uint16 `json:"destPort"`
}

type WatchdogConfig struct {
	IntervalMs int `json:"intervalMs"`
	TimeoutMs  int `json:"timeoutMs"`
}

type Config struct {
	Link             LinkConfig     `json:"link"`
	Proxies          []ProxyConfig  `json:"proxies"`
	Watchdog         WatchdogConfig `json:"watchdog"`
	InitIntervalMs   int            `json:"initIntervalMs"`
	ConnectRetries   int            `json:"connectRetries"`
	RetryDelayMs     int            `json:"retryDelayMs"`
	ReportIntervalMs int            `json:"reportIntervalMs"`
	StatusListen     string         `json:"statusListen,omitempty"`
	Debug            bool           `json:"debug,omitempty"`
}

// DefaultConfig tunnels the Etch RPC port 4004 to 127.0.0.1:4007 over
// /dev/rfcomm0.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Type:    LinkSerial,
			Address: "/dev/rfcomm0",
			Baud:    115200,
			UUID:    SerialPortUUID,
			Adapter: "hci0",
		},
		Proxies:          []ProxyConfig{{Listen: "127.0.0.1:4007", DestPort: 4004}},
		Watchdog:         WatchdogConfig{IntervalMs: 5000, TimeoutMs: 20000},
		InitIntervalMs:   1000,
		ConnectRetries:   10,
		RetryDelayMs:     2000,
		ReportIntervalMs: 10000,
	}
}

// applyDefaults fills zero fields left by a partial file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Link.Type == "" {
		c.Link.Type = d.Link.Type
		if c.Link.Address == "" {
			c.Link.Address = d.Link.Address
		}
	}
	if c.Link.Baud == 0 {
		c.Link.Baud = d.Link.Baud
	}
	if c.Link.UUID == "" {
		c.Link.UUID = d.Link.UUID
	}
	if c.Link.Adapter == "" {
		c.Link.Adapter = d.Link.Adapter
	}
	if c.Proxies == nil {
		c.Proxies = d.Proxies
	}
	if c.Watchdog.IntervalMs == 0 {
		c.Watchdog.IntervalMs = d.Watchdog.IntervalMs
	}
	if c.Watchdog.TimeoutMs == 0 {
		c.Watchdog.TimeoutMs = d.Watchdog.TimeoutMs
	}
	if c.InitIntervalMs == 0 {
		c.InitIntervalMs = d.InitIntervalMs
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = d.ConnectRetries
	}
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = d.RetryDelayMs
	}
	if c.ReportIntervalMs == 0 {
		c.ReportIntervalMs = d.ReportIntervalMs
	}
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		util.LogInfo("No config file %s, using defaults", path)
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	util.LogInfo("Config saved to %s", path)
	return nil
}

func (c *Config) Validate() error {
	switch c.Link.Type {
	case LinkSerial, LinkRFCOMM, LinkBlueZ, LinkTCP:
	default:
		return fmt.Errorf("unknown link type %q", c.Link.Type)
	}
	if c.Link.Address == "" {
		return errors.New("link address is empty")
	}
	if c.Link.Channel < 0 || c.Link.Channel > 30 {
		return fmt.Errorf("rfcomm channel %d out of range", c.Link.Channel)
	}
	if _, err := uuid.Parse(c.Link.UUID); err != nil {
		return fmt.Errorf("link uuid %q: %w", c.Link.UUID, err)
	}
	for i, p := range c.Proxies {
		if p.Listen == "" || p.DestPort == 0 {
			return fmt.Errorf("proxy %d: listen address and destPort are required", i)
		}
		if p.DestPort == 5001 {
			return fmt.Errorf("proxy %d: port 5001 is reserved for the watchdog", i)
		}
	}
	if c.Watchdog.TimeoutMs < c.Watchdog.IntervalMs {
		return fmt.Errorf("watchdog timeout %dms shorter than interval %dms", c.Watchdog.TimeoutMs, c.Watchdog.IntervalMs)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) InitInterval() time.Duration     { return ms(c.InitIntervalMs) }
func (c *Config) RetryDelay() time.Duration       { return ms(c.RetryDelayMs) }
func (c *Config) ReportInterval() time.Duration   { return ms(c.ReportIntervalMs) }
func (c *Config) WatchdogInterval() time.Duration { return ms(c.Watchdog.IntervalMs) }
func (c *Config) WatchdogTimeout() time.Duration  { return ms(c.Watchdog.TimeoutMs) }
