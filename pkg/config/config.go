package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"

	fgerrors "fieldgw/pkg/errors"
)

// Cloud modes accepted in cloud_mode.
const (
	CloudPrivate    = "private"
	CloudPublic     = "public"
	CloudPublicIntl = "public_intl"
)

// MinPortRange is the smallest allowed distance between min_port and max_port.
const MinPortRange = 100

// Config is the gateway configuration. The top-level keys follow the device
// config.json layout; the remaining sections tune the gateway itself.
type Config struct {
	CloudMode     string   `yaml:"cloud_mode" env:"FIELDGW_CLOUD_MODE"`
	ProjectID     string   `yaml:"projectid" env:"FIELDGW_PROJECT_ID"`
	DeviceID      string   `yaml:"device_id" env:"FIELDGW_DEVICE_ID"`
	DeviceName    string   `yaml:"device_name"`
	Password      string   `yaml:"password" env:"FIELDGW_PASSWORD"`
	Certificate   string   `yaml:"certificate"`
	SDKMode       string   `yaml:"sdk_mode"`
	ServerIP      string   `yaml:"server_ip" env:"FIELDGW_SERVER_IP"`
	ServerPort    int      `yaml:"server_port" env:"FIELDGW_SERVER_PORT"`
	RTCServerIP   string   `yaml:"rtc_server_ip"`
	RTCServerPort int      `yaml:"rtc_server_port"`
	MinPort       int      `yaml:"min_port"`
	MaxPort       int      `yaml:"max_port"`
	NetworkBind   []string `yaml:"network_bind"`
	AudioEnable   int      `yaml:"audio_enable"`
	AudioReceive  int      `yaml:"audio_receive"`
	LogEnable     int      `yaml:"log_enable" env:"FIELDGW_LOG_ENABLE"`
	DeviceStreams int      `yaml:"device_streams"`

	Streams []StreamConfig `yaml:"streams_config"`

	Signal     SignalConfig     `yaml:"signal"`
	Control    ControlConfig    `yaml:"control"`
	Network    NetworkConfig    `yaml:"network"`
	Record     RecordConfig     `yaml:"record"`
	Media      MediaConfig      `yaml:"media"`
	License    LicenseConfig    `yaml:"license"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Admin      AdminConfig      `yaml:"admin"`
}

// StreamConfig describes one entry of streams_config.
type StreamConfig struct {
	FPS          int            `yaml:"fps"`
	Width        int            `yaml:"width"`
	Height       int            `yaml:"height"`
	EncodeWidth  int            `yaml:"encode_width"`
	EncodeHeight int            `yaml:"encode_height"`
	Bps          int            `yaml:"bps"`
	MinBps       int            `yaml:"min_bps"`
	Codec        int            `yaml:"codec"`
	Protocol     string         `yaml:"protocol"`
	Camera       int            `yaml:"camera"`
	Format       int            `yaml:"format"`
	RecordOn     int            `yaml:"record_on"`
	Cameras      []CameraConfig `yaml:"cameras"`
}

// CameraConfig is a network camera source of a stream.
type CameraConfig struct {
	Protocol int    `yaml:"protocol"`
	URL      string `yaml:"url"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
}

type SignalConfig struct {
	URL            string        `yaml:"url" env:"FIELDGW_SIGNAL_URL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Reconnect      struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
	} `yaml:"reconnect"`
}

type ControlConfig struct {
	MaxMessageBytes      int `yaml:"max_message_bytes"`
	MaxMessagesPerSecond int `yaml:"max_messages_per_second"`
	MaxBytesPerSecond    int `yaml:"max_bytes_per_second"`
	CompressThreshold    int `yaml:"compress_threshold"`
	SendBuffer           int `yaml:"send_buffer"`
}

type NetworkConfig struct {
	StatsInterval  time.Duration `yaml:"stats_interval"`
	RTTSmoothing   float64       `yaml:"rtt_smoothing"`
	MediaStatsTick time.Duration `yaml:"media_stats_interval"`
}

type RecordConfig struct {
	Enabled   bool   `yaml:"enabled" env:"FIELDGW_RECORD_ENABLED"`
	Directory string `yaml:"directory"`
}

// Media transports selectable in media.transport.
const (
	TransportWebRTC   = "webrtc"
	TransportLoopback = "loopback"
)

// MediaConfig selects the media transport. ICEServers are STUN or TURN
// urls; rtc_server_ip adds a STUN server when none are listed.
type MediaConfig struct {
	Transport  string   `yaml:"transport" env:"FIELDGW_MEDIA_TRANSPORT"`
	ICEServers []string `yaml:"ice_servers"`
	TURNUser   string   `yaml:"turn_user"`
	TURNPass   string   `yaml:"turn_password"`
}

// ICEURLs lists the configured ICE servers.
func (c *Config) ICEURLs() []string {
	if len(c.Media.ICEServers) > 0 {
		return c.Media.ICEServers
	}
	if c.RTCServerIP == "" {
		return nil
	}
	return []string{"stun:" + net.JoinHostPort(c.RTCServerIP, fmt.Sprint(c.RTCServerPort))}
}

// LicenseConfig points at the cloud license service. CloudURL defaults to
// the signaling host.
type LicenseConfig struct {
	CloudURL string        `yaml:"cloud_url" env:"FIELDGW_LICENSE_URL"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"FIELDGW_LOG_LEVEL"`
	Format string `yaml:"format"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint" env:"FIELDGW_TRACING_ENDPOINT"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address" env:"FIELDGW_ADMIN_ADDRESS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// JWTSecret protects /api/v1 with bearer tokens of role admin when set.
	JWTSecret string              `yaml:"jwt_secret" env:"FIELDGW_ADMIN_JWT_SECRET"`
	RateLimit HTTPRateLimitConfig `yaml:"rate_limit"`
}

// HTTPRateLimitConfig limits HTTP requests per client address.
type HTTPRateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

func (c HTTPRateLimitConfig) validate(section string) error {
	if c.Enabled && (c.RequestsPerSecond <= 0 || c.Burst <= 0) {
		return illegal(section + " requests_per_second and burst must be > 0")
	}
	if c.MaxConcurrent < 0 {
		return illegal(section + " max_concurrent must be >= 0")
	}
	return nil
}

// PublicCloud reports whether the device registers with the public cloud.
func (c *Config) PublicCloud() bool {
	return c.CloudMode == CloudPublic || c.CloudMode == CloudPublicIntl
}

// SignalURL is the websocket endpoint of the signaling service.
func (c *Config) SignalURL() string {
	if c.Signal.URL != "" {
		return c.Signal.URL
	}
	return fmt.Sprintf("ws://%s/signal", net.JoinHostPort(c.ServerIP, fmt.Sprint(c.ServerPort)))
}

// LicenseURL is the cloud license check endpoint.
func (c *Config) LicenseURL() string {
	if c.License.CloudURL != "" {
		return c.License.CloudURL
	}
	return fmt.Sprintf("http://%s/license/check", net.JoinHostPort(c.ServerIP, fmt.Sprint(c.ServerPort)))
}

// PortRange returns min and max local ports ordered, zero when unset.
func (c *Config) PortRange() (int, int) {
	lo, hi := c.MinPort, c.MaxPort
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Validate checks the configuration and reports failures with config codes.
func (c *Config) Validate() error {
	switch c.CloudMode {
	case CloudPrivate:
		if c.ServerIP == "" && c.Signal.URL == "" {
			return illegal("server_ip must not be empty in private mode")
		}
		if c.ServerPort <= 0 || c.ServerPort > 65535 {
			return illegal("server_port must be in 1..65535")
		}
	case CloudPublic, CloudPublicIntl:
		if c.ProjectID == "" {
			return illegal("projectid must not be empty in public mode")
		}
	default:
		return illegal(fmt.Sprintf("cloud_mode %q is not one of private, public, public_intl", c.CloudMode))
	}
	if c.DeviceID == "" {
		return illegal("device_id must not be empty")
	}

	if c.MinPort != 0 || c.MaxPort != 0 {
		lo, hi := c.PortRange()
		if lo <= 0 || hi > 65535 || hi-lo < MinPortRange {
			return fgerrors.Newf(fgerrors.ConfigPortRangeIllegal, "port range %d..%d must span at least %d ports", lo, hi, MinPortRange)
		}
	}
	for _, ip := range c.NetworkBind {
		if net.ParseIP(ip) == nil {
			return illegal(fmt.Sprintf("network_bind entry %q is not an ip address", ip))
		}
	}
	if c.LogEnable < 0 || c.LogEnable > 2 {
		return illegal("log_enable must be 0, 1 or 2")
	}

	if c.DeviceStreams != len(c.Streams) {
		return fgerrors.Newf(fgerrors.ConfigStreamsSizeError, "device_streams is %d but streams_config has %d entries", c.DeviceStreams, len(c.Streams))
	}
	for i, s := range c.Streams {
		if err := s.validate(); err != nil {
			return illegal(fmt.Sprintf("streams_config[%d]: %v", i, err))
		}
	}

	if c.Signal.ConnectTimeout <= 0 {
		return illegal("signal.connect_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return illegal("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return illegal("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.Reconnect.InitialDelay <= 0 {
		return illegal("signal.reconnect.initial_delay must be > 0")
	}
	if c.Signal.Reconnect.Multiplier < 1 {
		return illegal("signal.reconnect.multiplier must be >= 1")
	}
	if c.Signal.Reconnect.MaxAttempts < 0 {
		return illegal("signal.reconnect.max_attempts must be >= 0")
	}

	if c.Control.MaxMessageBytes <= 0 {
		return illegal("control.max_message_bytes must be > 0")
	}
	if c.Control.MaxBytesPerSecond < c.Control.MaxMessageBytes {
		return illegal("control.max_bytes_per_second must be >= control.max_message_bytes")
	}
	if c.Control.MaxMessagesPerSecond <= 0 {
		return illegal("control.max_messages_per_second must be > 0")
	}

	if c.Network.StatsInterval <= 0 {
		return illegal("network.stats_interval must be > 0")
	}
	if c.Network.RTTSmoothing <= 0 || c.Network.RTTSmoothing > 1 {
		return illegal("network.rtt_smoothing must be in (0, 1]")
	}

	switch c.Media.Transport {
	case TransportWebRTC, TransportLoopback:
	default:
		return illegal(fmt.Sprintf("media.transport %q is not one of webrtc, loopback", c.Media.Transport))
	}

	if c.License.Timeout <= 0 {
		return illegal("license.timeout must be > 0")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return illegal("tracing.endpoint must not be empty when tracing.enabled=true")
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		return illegal("admin.address must not be empty when admin.enabled=true")
	}
	return c.Admin.RateLimit.validate("admin.rate_limit")
}

func (s StreamConfig) validate() error {
	switch s.Protocol {
	case "v4l2", "outside", "out_enc", "rtsp_enc", "normal":
	default:
		return fmt.Errorf("protocol %q is unknown", s.Protocol)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if s.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if s.Codec < 0 || s.Codec > 2 {
		return fmt.Errorf("codec must be 0 (H264), 1 (H265) or 2 (AV1)")
	}
	if s.MinBps > 0 && s.Bps > 0 && s.MinBps > s.Bps {
		return fmt.Errorf("min_bps must be <= bps")
	}
	if (s.Protocol == "rtsp_enc" || s.Protocol == "normal") && (len(s.Cameras) == 0 || s.Cameras[0].URL == "") {
		return fmt.Errorf("protocol %s requires a camera url", s.Protocol)
	}
	return nil
}

func illegal(msg string) error {
	return fgerrors.New(fgerrors.ConfigIllegal, msg)
}

// Parse decodes a JSON (or YAML) document on top of the defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fgerrors.New(fgerrors.ConfigParseFailed, "configuration is empty")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigParseFailed, "failed to decode configuration")
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigUnexist, fmt.Sprintf("config file %s does not exist", configPath))
	}
	if err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.ConfigParseFailed, fmt.Sprintf("failed to read config file %s", configPath))
	}
	return Parse(data)
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.CloudMode = CloudPrivate
	cfg.SDKMode = "server"
	cfg.ServerPort = 2883
	cfg.RTCServerPort = 3000
	cfg.LogEnable = 1

	cfg.Signal.ConnectTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 15 * time.Second
	cfg.Signal.PongTimeout = 30 * time.Second
	cfg.Signal.WriteTimeout = 5 * time.Second
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 10 * time.Second
	cfg.Signal.Reconnect.Multiplier = 2.0
	cfg.Signal.Reconnect.MaxAttempts = 0

	cfg.Control.MaxMessageBytes = 1024
	cfg.Control.MaxMessagesPerSecond = 100
	cfg.Control.MaxBytesPerSecond = 10 * 1024
	cfg.Control.CompressThreshold = 256
	cfg.Control.SendBuffer = 64

	cfg.Network.StatsInterval = time.Second
	cfg.Network.RTTSmoothing = 0.2
	cfg.Network.MediaStatsTick = time.Second

	cfg.Record.Directory = "."

	cfg.Media.Transport = TransportWebRTC

	cfg.License.Timeout = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.Environment = "development"

	cfg.Admin.Enabled = true
	cfg.Admin.Address = ":8090"
	cfg.Admin.ShutdownTimeout = 10 * time.Second
	cfg.Admin.RateLimit.Enabled = true
	cfg.Admin.RateLimit.RequestsPerSecond = 10
	cfg.Admin.RateLimit.Burst = 20

	return cfg
}

// normalize derives fields implied by the device options.
func (c *Config) normalize() {
	if c.LogEnable == 2 {
		c.Logging.Level = "debug"
	}
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.EncodeWidth == 0 {
			s.EncodeWidth = s.Width
		}
		if s.EncodeHeight == 0 {
			s.EncodeHeight = s.Height
		}
	}
}

func (c *Config) applyEnvOverrides() error {
	return readEnv(c)
}

func readEnv(v interface{}) error {
	if err := cleanenv.ReadEnv(v); err != nil {
		return fgerrors.Wrap(err, fgerrors.ConfigIllegal, "failed to apply environment overrides")
	}
	return nil
}

// Loader reads gateway configuration from bytes or files.
type Loader struct{}

func (Loader) Parse(data []byte) (*Config, error) { return Parse(data) }

func (Loader) Load(path string) (*Config, error) { return Load(path) }
