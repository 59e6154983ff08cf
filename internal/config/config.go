package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the server configuration, loaded from the environment and an
// optional .env file.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Backend     string `mapstructure:"DB_BACKEND" validate:"oneof=postgresql h2"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gt=0"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`

	// BaseURL is used to build fullUrl values in search and history bundles.
	BaseURL string `mapstructure:"BASE_URL" validate:"required,url"`

	// ClearDataOnStartup truncates every resource table and reseeds the
	// standard search-parameter catalog when the server boots.
	ClearDataOnStartup bool `mapstructure:"CLEAR_DATA_ON_STARTUP"`

	// UseServerGeneratedIDs controls id assignment on POST. When false the
	// client must supply an id in the request body.
	UseServerGeneratedIDs bool `mapstructure:"USE_SERVER_GENERATED_IDS"`
}

// Load reads configuration from the environment (and a .env file when
// present), applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_BACKEND", "postgresql")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BASE_URL", "http://localhost:8080/fhir/r4")
	v.SetDefault("CLEAR_DATA_ON_STARTUP", false)
	v.SetDefault("USE_SERVER_GENERATED_IDS", true)

	// Bind env vars explicitly so Unmarshal picks them up.
	for _, key := range []string{
		"PORT", "ENV", "DB_BACKEND", "DATABASE_URL", "DB_MAX_CONNS",
		"DB_MIN_CONNS", "BASE_URL", "CLEAR_DATA_ON_STARTUP",
		"USE_SERVER_GENERATED_IDS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
