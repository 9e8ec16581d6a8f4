package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	APIPrefix            string        `mapstructure:"API_PREFIX"`
	IDPURL               string        `mapstructure:"IDP_URL"`
	IDPRealm             string        `mapstructure:"IDP_REALM"`
	IDPAdminClientID     string        `mapstructure:"IDP_ADMIN_CLIENT_ID"`
	IDPAdminClientSecret string        `mapstructure:"IDP_ADMIN_CLIENT_SECRET"`
	OAuthClientSecret    string        `mapstructure:"OAUTH_CLIENT_SECRET"`
	FHIRServerURL        string        `mapstructure:"FHIR_SERVER_URL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	HTTPTimeout          time.Duration `mapstructure:"HTTP_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("API_PREFIX", "/api")
	v.SetDefault("IDP_REALM", "ehr")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HTTP_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("API_PREFIX")
	v.BindEnv("IDP_URL")
	v.BindEnv("IDP_REALM")
	v.BindEnv("IDP_ADMIN_CLIENT_ID")
	v.BindEnv("IDP_ADMIN_CLIENT_SECRET")
	v.BindEnv("OAUTH_CLIENT_SECRET")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("HTTP_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IssuerURL returns the realm-scoped base URL of the identity provider,
// e.g. https://idp.example.com/realms/ehr.
func (c *Config) IssuerURL() string {
	return strings.TrimRight(c.IDPURL, "/") + "/realms/" + c.IDPRealm
}

// Validate checks that the configuration is safe to run. Outside development
// the identity provider must be fully configured: the authorization layer
// cannot issue admin-directory calls or token exchanges without it.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	if c.IDPURL == "" {
		return fmt.Errorf("IDP_URL is required when ENV is %q", c.Env)
	}
	if c.IDPAdminClientID == "" || c.IDPAdminClientSecret == "" {
		return fmt.Errorf("IDP_ADMIN_CLIENT_ID and IDP_ADMIN_CLIENT_SECRET are required when ENV is %q", c.Env)
	}
	if c.IDPRealm == "" {
		return fmt.Errorf("IDP_REALM must not be empty")
	}
	return nil
}
