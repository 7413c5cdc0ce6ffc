/*
Package config loads server configuration.

LAYERS (later wins):
  1. Defaults (Default())
  2. YAML file, if a path is given
  3. .env file values, for keys not already set in the environment
  4. ENGAGE_* environment variables

DURATIONS:
  Written as Go duration strings ("5m", "30s", "1h").

ENVIRONMENT:
  ENGAGE_PORT, ENGAGE_DB_PATH, ENGAGE_JWT_SECRET, ENGAGE_CORS_ORIGINS,
  ENGAGE_LOG_LEVEL, ENGAGE_LOG_DEVELOPMENT, ENGAGE_CALL_TIMEOUT,
  ENGAGE_SEED_FILE, ENGAGE_AUDIT_SCHEDULE, ENGAGE_AUDIT_INTERVAL,
  ENGAGE_AUDIT_WORKERS, ENGAGE_EMAIL_BASE_URL, ENGAGE_EMAIL_API_KEY,
  ENGAGE_EMAIL_FROM, ENGAGE_BONUS_URL, ENGAGE_BONUS_TOKEN,
  ENGAGE_BONUS_PERFECT_DAY_POINTS

SEE ALSO:
  - cmd/server/main.go: flag wiring
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server      ServerConfig `yaml:"server"`
	DBPath      string       `yaml:"db_path"`
	Log         LogConfig    `yaml:"log"`
	CallTimeout Duration     `yaml:"call_timeout"`
	SeedFile    string       `yaml:"seed_file"`
	Audit       AuditConfig  `yaml:"audit"`
	Email       EmailConfig  `yaml:"email"`
	Bonus       BonusConfig  `yaml:"bonus"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type AuditConfig struct {
	ScheduleEnabled bool     `yaml:"schedule_enabled"`
	Interval        Duration `yaml:"interval"`
	Workers         int      `yaml:"workers"`
}

type EmailConfig struct {
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	From         string   `yaml:"from"`
	MaxPerWindow int      `yaml:"max_per_window"`
	Window       Duration `yaml:"window"`
}

type BonusConfig struct {
	// ServiceURL selects the external rule-check service. When empty the
	// in-process perfect-day checker is used.
	ServiceURL       string   `yaml:"service_url"`
	Token            string   `yaml:"token"`
	Timeout          Duration `yaml:"timeout"`
	PerfectDayPoints int      `yaml:"perfect_day_points"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		DBPath:      "engagement.db",
		Log:         LogConfig{Level: "info"},
		CallTimeout: Duration(30 * time.Second),
		Audit: AuditConfig{
			Interval: Duration(time.Hour),
			Workers:  1,
		},
		Email: EmailConfig{
			MaxPerWindow: 3,
			Window:       Duration(5 * time.Minute),
		},
		Bonus: BonusConfig{
			Timeout:          Duration(10 * time.Second),
			PerfectDayPoints: 25,
		},
	}
}

// Load applies every layer using the process environment.
func Load(path, envFile string) (*Config, error) {
	return LoadWith(path, envFile, os.LookupEnv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(path, envFile string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		if m != nil {
			dotenv = m
		}
	}
	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	}
	if err := cfg.overlay(get); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlay(get func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	num("ENGAGE_PORT", &c.Server.Port)
	str("ENGAGE_DB_PATH", &c.DBPath)
	str("ENGAGE_JWT_SECRET", &c.Server.JWTSecret)
	if v, ok := get("ENGAGE_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	str("ENGAGE_LOG_LEVEL", &c.Log.Level)
	flag("ENGAGE_LOG_DEVELOPMENT", &c.Log.Development)
	dur("ENGAGE_CALL_TIMEOUT", &c.CallTimeout)
	str("ENGAGE_SEED_FILE", &c.SeedFile)
	flag("ENGAGE_AUDIT_SCHEDULE", &c.Audit.ScheduleEnabled)
	dur("ENGAGE_AUDIT_INTERVAL", &c.Audit.Interval)
	num("ENGAGE_AUDIT_WORKERS", &c.Audit.Workers)
	str("ENGAGE_EMAIL_BASE_URL", &c.Email.BaseURL)
	str("ENGAGE_EMAIL_API_KEY", &c.Email.APIKey)
	str("ENGAGE_EMAIL_FROM", &c.Email.From)
	str("ENGAGE_BONUS_URL", &c.Bonus.ServiceURL)
	str("ENGAGE_BONUS_TOKEN", &c.Bonus.Token)
	num("ENGAGE_BONUS_PERFECT_DAY_POINTS", &c.Bonus.PerfectDayPoints)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.Audit.Interval <= 0 {
		errs = append(errs, errors.New("audit.interval must be positive"))
	}
	if c.Audit.Workers < 1 {
		errs = append(errs, errors.New("audit.workers must be at least 1"))
	}
	if c.Email.MaxPerWindow < 1 || c.Email.Window <= 0 {
		errs = append(errs, errors.New("email.max_per_window and email.window must be positive"))
	}
	if c.Bonus.PerfectDayPoints < 0 {
		errs = append(errs, errors.New("bonus.perfect_day_points must not be negative"))
	}
	return errors.Join(errs...)
}
