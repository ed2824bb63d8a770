// Package config loads the driver configuration from a JSON or YAML file with
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// EnvPrefix prefixes every environment override, e.g. VELODYNE_RPM.
const EnvPrefix = "VELODYNE_"

const maxFileSize = 1 * 1024 * 1024

// DriverConfig is the startup configuration. Omitted fields fall back to the
// defaults returned by the Get* methods, so partial files are safe.
type DriverConfig struct {
	// Sensor
	FrameID       *string  `json:"frame_id,omitempty" yaml:"frame_id,omitempty"`
	RPM           *float64 `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	PacketRate    *float64 `json:"packet_rate,omitempty" yaml:"packet_rate,omitempty"`
	TimestampUnit *string  `json:"timestamp_unit,omitempty" yaml:"timestamp_unit,omitempty"` // "1s" or "1us"
	Framing       *string  `json:"framing,omitempty" yaml:"framing,omitempty"`               // "count" or "azimuth"
	CutAngle      *float64 `json:"cut_angle,omitempty" yaml:"cut_angle,omitempty"`

	// Sockets
	UDPAddress      *string `json:"udp_address,omitempty" yaml:"udp_address,omitempty"`
	FiringPort      *int    `json:"firing_port,omitempty" yaml:"firing_port,omitempty"`
	PositioningPort *int    `json:"positioning_port,omitempty" yaml:"positioning_port,omitempty"`
	RcvBuf          *int    `json:"rcv_buf,omitempty" yaml:"rcv_buf,omitempty"`
	ReadTimeout     *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`

	// Timing
	NotReadyDelay  *string `json:"not_ready_delay,omitempty" yaml:"not_ready_delay,omitempty"`
	SyncRetryDelay *string `json:"sync_retry_delay,omitempty" yaml:"sync_retry_delay,omitempty"`
	RetryDelay     *string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`

	// Alternative inputs
	PCAPFile        *string `json:"pcap_file,omitempty" yaml:"pcap_file,omitempty"`
	GPSSerialDevice *string `json:"gps_serial_device,omitempty" yaml:"gps_serial_device,omitempty"`
	GPSBaud         *int    `json:"gps_baud,omitempty" yaml:"gps_baud,omitempty"`

	// Outputs
	ForwardAddress *string `json:"forward_address,omitempty" yaml:"forward_address,omitempty"`
	ForwardPort    *int    `json:"forward_port,omitempty" yaml:"forward_port,omitempty"`
	ScanDB         *string `json:"scan_db,omitempty" yaml:"scan_db,omitempty"`
	HTTPListen     *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	StatsInterval  *string `json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"`
}

// LoadDriverConfig reads a .json, .yaml or .yml config file. An empty path
// yields an empty config (all defaults).
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cfg := &DriverConfig{}
	if path == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.ToUpper(ext[1:]), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads path, then applies overrides from dotenv files and the process
// environment. With no envFiles a missing .env is ignored; named files must
// exist.
func Load(path string, envFiles ...string) (*DriverConfig, error) {
	cfg, err := LoadDriverConfig(path)
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from EnvPrefix variables found by lookup.
func (c *DriverConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst **string) func(string) error {
		return func(v string) error { *dst = &v; return nil }
	}
	num := func(dst **float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*dst = &f
			return nil
		}
	}
	integer := func(dst **int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = &n
			return nil
		}
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"frame_id", str(&c.FrameID)},
		{"rpm", num(&c.RPM)},
		{"packet_rate", num(&c.PacketRate)},
		{"timestamp_unit", str(&c.TimestampUnit)},
		{"framing", str(&c.Framing)},
		{"cut_angle", num(&c.CutAngle)},
		{"udp_address", str(&c.UDPAddress)},
		{"firing_port", integer(&c.FiringPort)},
		{"positioning_port", integer(&c.PositioningPort)},
		{"rcv_buf", integer(&c.RcvBuf)},
		{"read_timeout", str(&c.ReadTimeout)},
		{"not_ready_delay", str(&c.NotReadyDelay)},
		{"sync_retry_delay", str(&c.SyncRetryDelay)},
		{"retry_delay", str(&c.RetryDelay)},
		{"pcap_file", str(&c.PCAPFile)},
		{"gps_serial_device", str(&c.GPSSerialDevice)},
		{"gps_baud", integer(&c.GPSBaud)},
		{"forward_address", str(&c.ForwardAddress)},
		{"forward_port", integer(&c.ForwardPort)},
		{"scan_db", str(&c.ScanDB)},
		{"http_listen", str(&c.HTTPListen)},
		{"stats_interval", str(&c.StatsInterval)},
	}
	for _, s := range setters {
		name := EnvPrefix + strings.ToUpper(s.key)
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := s.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}

// Validate checks the values that are set.
func (c *DriverConfig) Validate() error {
	if c.RPM != nil && !(*c.RPM > 0) {
		return fmt.Errorf("rpm must be positive, got %v", *c.RPM)
	}
	if c.PacketRate != nil && !(*c.PacketRate > 0) {
		return fmt.Errorf("packet_rate must be positive, got %v", *c.PacketRate)
	}
	if c.FrameID != nil && *c.FrameID == "" {
		return fmt.Errorf("frame_id must not be empty")
	}
	if c.Framing != nil {
		switch *c.Framing {
		case driver.FramingCount, driver.FramingAzimuth:
		default:
			return fmt.Errorf("framing must be %q or %q, got %q", driver.FramingCount, driver.FramingAzimuth, *c.Framing)
		}
	}
	if c.CutAngle != nil && (*c.CutAngle < 0 || *c.CutAngle >= 360) {
		return fmt.Errorf("cut_angle must be in [0, 360), got %v", *c.CutAngle)
	}

	for _, p := range []struct {
		name string
		v    *int
	}{
		{"firing_port", c.FiringPort},
		{"positioning_port", c.PositioningPort},
		{"forward_port", c.ForwardPort},
	} {
		if p.v != nil && (*p.v < 0 || *p.v > 65535) {
			return fmt.Errorf("%s must be in [0, 65535], got %d", p.name, *p.v)
		}
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if c.GPSBaud != nil && *c.GPSBaud <= 0 {
		return fmt.Errorf("gps_baud must be positive, got %d", *c.GPSBaud)
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"timestamp_unit", c.TimestampUnit},
		{"read_timeout", c.ReadTimeout},
		{"not_ready_delay", c.NotReadyDelay},
		{"sync_retry_delay", c.SyncRetryDelay},
		{"retry_delay", c.RetryDelay},
		{"stats_interval", c.StatsInterval},
	} {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetFrameID returns frame_id or "velodyne32".
func (c *DriverConfig) GetFrameID() string { return stringOr(c.FrameID, "velodyne32") }

// GetRPM returns rpm or 600.
func (c *DriverConfig) GetRPM() float64 { return floatOr(c.RPM, 600) }

// GetPacketRate returns packet_rate or the HDL-32E nominal rate.
func (c *DriverConfig) GetPacketRate() float64 {
	return floatOr(c.PacketRate, packet.NominalPacketRate)
}

// GetTimestampUnit returns timestamp_unit or one second.
func (c *DriverConfig) GetTimestampUnit() time.Duration {
	return durationOr(c.TimestampUnit, time.Second)
}

func (c *DriverConfig) GetFraming() string   { return stringOr(c.Framing, driver.FramingCount) }
func (c *DriverConfig) GetCutAngle() float64 { return floatOr(c.CutAngle, 0) }

func (c *DriverConfig) GetUDPAddress() string   { return stringOr(c.UDPAddress, "") }
func (c *DriverConfig) GetFiringPort() int      { return intOr(c.FiringPort, 2368) }
func (c *DriverConfig) GetPositioningPort() int { return intOr(c.PositioningPort, 8308) }

// GetRcvBuf returns rcv_buf or 4MB.
func (c *DriverConfig) GetRcvBuf() int { return intOr(c.RcvBuf, 4<<20) }

func (c *DriverConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, time.Second)
}

// GetNotReadyDelay returns not_ready_delay or 100us.
func (c *DriverConfig) GetNotReadyDelay() time.Duration {
	return durationOr(c.NotReadyDelay, 100*time.Microsecond)
}

func (c *DriverConfig) GetSyncRetryDelay() time.Duration {
	return durationOr(c.SyncRetryDelay, 100*time.Millisecond)
}

// GetRetryDelay returns retry_delay or 100ms.
func (c *DriverConfig) GetRetryDelay() time.Duration {
	return durationOr(c.RetryDelay, 100*time.Millisecond)
}

func (c *DriverConfig) GetPCAPFile() string        { return stringOr(c.PCAPFile, "") }
func (c *DriverConfig) GetGPSSerialDevice() string { return stringOr(c.GPSSerialDevice, "") }
func (c *DriverConfig) GetGPSBaud() int            { return intOr(c.GPSBaud, 9600) }

// GetForwardAddress returns forward_address or "localhost".
func (c *DriverConfig) GetForwardAddress() string {
	return stringOr(c.ForwardAddress, "localhost")
}

func (c *DriverConfig) GetForwardPort() int   { return intOr(c.ForwardPort, 0) }
func (c *DriverConfig) GetScanDB() string     { return stringOr(c.ScanDB, "") }
func (c *DriverConfig) GetHTTPListen() string { return stringOr(c.HTTPListen, ":8082") }

func (c *DriverConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Second)
}

// FiringAddress returns the listen address of the firing socket.
func (c *DriverConfig) FiringAddress() string {
	return fmt.Sprintf("%s:%d", c.GetUDPAddress(), c.GetFiringPort())
}

// PositioningAddress returns the listen address of the positioning socket.
func (c *DriverConfig) PositioningAddress() string {
	return fmt.Sprintf("%s:%d", c.GetUDPAddress(), c.GetPositioningPort())
}

// Driver converts the configuration to driver.Config.
func (c *DriverConfig) Driver() driver.Config {
	return driver.Config{
		FrameID:        c.GetFrameID(),
		PacketRate:     c.GetPacketRate(),
		RPM:            c.GetRPM(),
		ReadTimeout:    c.GetReadTimeout(),
		TimestampUnit:  c.GetTimestampUnit(),
		NotReadyDelay:  c.GetNotReadyDelay(),
		SyncRetryDelay: c.GetSyncRetryDelay(),
		RetryDelay:     c.GetRetryDelay(),
		Framing:        c.GetFraming(),
		CutAngle:       c.GetCutAngle(),
	}
}
