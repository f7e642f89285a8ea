package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	Twilio TwilioConfig
	Bridge BridgeConfig
	Cache  CacheConfig
	Redis  RedisConfig
	MQTT   MQTTConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin the provider calls back on.
	PublicBaseURL string

	// LogFile switches logging to a rolling file when set.
	LogFile string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// API key pair and TwiML app are only needed for device tokens.
	// Missing values surface as a 500 on /token, not as a boot failure.
	APIKey      string
	APISecret   string
	TwiMLAppSID string

	PhoneNumber    string
	ClientIdentity string
	APIBaseURL     string

	ValidateSignature bool
	TokenTTL          time.Duration
}

type BridgeConfig struct {
	DefaultCountryCode string
	WaitURL            string
}

type CacheConfig struct {
	// Backend is memory or redis.
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	// URL, when set, replaces Host, Port and Password.
	URL      string
	Host     string
	Port     int
	Password string
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	defaultClientIdentity = "browser-user"
	defaultAPIBaseURL     = "https://api.twilio.com"
	defaultWaitURL        = "https://demo.twilio.com/docs/voice.xml"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKey = strings.TrimSpace(os.Getenv("TWILIO_API_KEY"))
	c.Twilio.APISecret = os.Getenv("TWILIO_API_SECRET")
	c.Twilio.TwiMLAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.PhoneNumber = strings.TrimSpace(os.Getenv("TWILIO_PHONE_NUMBER"))
	c.Twilio.ClientIdentity = strings.TrimSpace(os.Getenv("TWILIO_CLIENT_IDENTITY"))
	c.Twilio.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL")), "/")
	{
		b, err := optionalBool("TWILIO_VALIDATE_SIGNATURE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Twilio.ValidateSignature = b
	}
	// Duration env vars are optional; defaults applied in Validate().
	c.Twilio.TokenTTL = mustDuration("TOKEN_TTL")

	c.Bridge.DefaultCountryCode = strings.TrimPrefix(strings.TrimSpace(os.Getenv("DEFAULT_COUNTRY_CODE")), "+")
	c.Bridge.WaitURL = strings.TrimSpace(os.Getenv("BRIDGE_WAIT_URL"))

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("CACHE_BACKEND")))
	c.Cache.TTL = mustDuration("CACHE_TTL")

	c.Redis.URL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("REDIS_PORT")); v != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX")), "/")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
		} else {
			c.App.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.App.Port)
		}
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.IsProduction() {
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if c.Twilio.PhoneNumber == "" {
			errs = append(errs, errors.New("TWILIO_PHONE_NUMBER is required in production"))
		}
	}
	if c.Twilio.ValidateSignature && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required when TWILIO_VALIDATE_SIGNATURE is set"))
	}
	if c.Twilio.ClientIdentity == "" {
		c.Twilio.ClientIdentity = defaultClientIdentity
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = defaultAPIBaseURL
	}
	if c.Twilio.TokenTTL <= 0 {
		// Default: matches the provider maximum for voice tokens.
		c.Twilio.TokenTTL = 24 * time.Hour
	}

	if c.Bridge.DefaultCountryCode == "" {
		c.Bridge.DefaultCountryCode = "1"
	} else if _, err := strconv.Atoi(c.Bridge.DefaultCountryCode); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_COUNTRY_CODE must be numeric, got %q", c.Bridge.DefaultCountryCode))
	}
	if c.Bridge.WaitURL == "" {
		c.Bridge.WaitURL = defaultWaitURL
	}

	switch c.Cache.Backend {
	case "":
		c.Cache.Backend = CacheBackendMemory
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis.Host == "" && c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_HOST or REDIS_URL is required when CACHE_BACKEND=redis"))
		}
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be one of memory, redis, got %q", c.Cache.Backend))
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "softphone-bridge"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "softphone"
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CallbackURL joins a path onto the public base URL.
func (c Config) CallbackURL(path string) string {
	return c.App.PublicBaseURL + "/" + strings.TrimLeft(path, "/")
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

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
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
