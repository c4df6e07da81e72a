package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process and the softphone.
// All values must come from env (or an env file loaded by the binary before Load).
// No call logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Presence  PresenceConfig
	Media     MediaConfig
	Directory DirectoryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type SignalingConfig struct {
	// OfferTTL bounds how long an abandoned record blocks a business.
	OfferTTL           time.Duration
	NegotiationTimeout time.Duration
}

type PresenceConfig struct {
	HeartbeatTimeout time.Duration
}

type MediaConfig struct {
	ICEServers      []string
	QualityInterval time.Duration
	DisconnectGrace time.Duration
}

type DirectoryConfig struct {
	// Backend is postgres or memory.
	Backend string
}

// Mode selects which settings are mandatory.
type Mode int

const (
	ModeAPI Mode = iota
	ModeSoftphone
)

// Load reads the API configuration.
func Load() (Config, error) { return load(ModeAPI) }

// LoadSoftphone reads the softphone configuration: no HTTP port and no JWT
// settings are needed.
func LoadSoftphone() (Config, error) { return load(ModeSoftphone) }

func load(mode Mode) (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	if mode == ModeAPI {
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Directory.Backend = strings.TrimSpace(os.Getenv("DIRECTORY_BACKEND"))
	if c.Directory.Backend != "memory" {
		c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	if mode == ModeAPI {
		c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
		c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
		c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	}

	// Duration env vars are optional; defaults applied in Validate().
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWT_ACCESS_TTL", &c.Auth.AccessTokenTTL},
		{"JWT_REFRESH_TTL", &c.Auth.RefreshTokenTTL},
		{"SIGNAL_OFFER_TTL", &c.Signaling.OfferTTL},
		{"SIGNAL_NEGOTIATION_TIMEOUT", &c.Signaling.NegotiationTimeout},
		{"PRESENCE_HEARTBEAT_TIMEOUT", &c.Presence.HeartbeatTimeout},
		{"MEDIA_QUALITY_INTERVAL", &c.Media.QualityInterval},
		{"MEDIA_DISCONNECT_GRACE", &c.Media.DisconnectGrace},
	}
	for _, d := range durations {
		v, err := optionalDuration(d.key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*d.dst = v
	}
	c.Media.ICEServers = splitList(os.Getenv("MEDIA_ICE_SERVERS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.validate(mode); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks an API configuration and fills defaults.
func (c *Config) Validate() error { return c.validate(ModeAPI) }

func (c *Config) validate(mode Mode) error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if mode == ModeAPI && (c.App.Port <= 0 || c.App.Port > 65535) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Directory.Backend {
	case "":
		c.Directory.Backend = "postgres"
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("DIRECTORY_BACKEND must be postgres or memory, got %q", c.Directory.Backend))
	}
	if c.Directory.Backend == "memory" && c.IsProduction() {
		errs = append(errs, errors.New("DIRECTORY_BACKEND=memory is not allowed in production"))
	}
	if c.Directory.Backend == "postgres" {
		errs = append(errs, c.validateDB()...)
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if mode == ModeAPI {
		errs = append(errs, c.validateAuth()...)
	}

	if c.Signaling.OfferTTL <= 0 {
		c.Signaling.OfferTTL = 60 * time.Second
	}
	if c.Signaling.NegotiationTimeout <= 0 {
		c.Signaling.NegotiationTimeout = 30 * time.Second
	}
	if c.Presence.HeartbeatTimeout <= 0 {
		c.Presence.HeartbeatTimeout = 30 * time.Second
	}
	if c.Media.QualityInterval <= 0 {
		c.Media.QualityInterval = 2 * time.Second
	}
	if c.Media.DisconnectGrace <= 0 {
		c.Media.DisconnectGrace = 5 * time.Second
	}
	if len(c.Media.ICEServers) == 0 {
		c.Media.ICEServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
	}
	for _, u := range c.Media.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("MEDIA_ICE_SERVERS entries must be stun:, turn: or turns: URLs, got %q", u))
		}
	}
	if c.Signaling.NegotiationTimeout >= c.Signaling.OfferTTL {
		errs = append(errs, errors.New("SIGNAL_NEGOTIATION_TIMEOUT must be shorter than SIGNAL_OFFER_TTL"))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s, got %q", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
