package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/config"
	"chatrelay/pkg/kafka"
	"chatrelay/pkg/redis"
)

// TenantConfig is one identity-provider tenant. Exactly one of JWTSecret and
// JWTPublicKey is set.
type TenantConfig struct {
	Name           string
	JWTSecret      string
	JWTPublicKey   string
	Issuer         string
	Audience       string
	DirectoryURL   string
	DirectoryToken string
}

// Config is the chatrelay runtime configuration.
type Config struct {
	Port               string
	IdentityServiceURL string
	ChatServiceURL     string
	Tenants            []TenantConfig
	Redis              redis.Config

	PresenceTTL            time.Duration
	MaxSubscribeChannels   int
	AuthTimeout            time.Duration
	CollaboratorMaxRetries int
	IdentityCacheTTL       time.Duration
	SubscribeDenialNotices bool

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Port:               config.GetEnv("PORT", "18020"),
		IdentityServiceURL: strings.TrimSpace(config.GetEnv("IDENTITY_SERVICE_URL", "")),
		ChatServiceURL:     strings.TrimSpace(config.GetEnv("CHAT_SERVICE_URL", "")),
		Redis: redis.Config{
			Host:     config.GetEnv("REDIS_HOST", "localhost"),
			Port:     config.GetEnvInt("REDIS_PORT", 6379),
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		},
		PresenceTTL:            config.GetEnvDuration("PRESENCE_TTL", 90*time.Second),
		MaxSubscribeChannels:   config.GetEnvInt("MAX_SUBSCRIBE_CHANNELS", 200),
		AuthTimeout:            config.GetEnvDuration("AUTH_TIMEOUT", 10*time.Second),
		CollaboratorMaxRetries: config.GetEnvInt("COLLABORATOR_MAX_RETRIES", 2),
		IdentityCacheTTL:       config.GetEnvDuration("IDENTITY_CACHE_TTL", 60*time.Second),
		SubscribeDenialNotices: config.GetEnvBool("SUBSCRIBE_DENIAL_NOTICES", false),
		KafkaBrokers:           config.GetEnvList("KAFKA_BROKERS"),
		KafkaTopic:             config.GetEnv("KAFKA_TOPIC", kafka.DefaultTopic),
	}

	for _, name := range config.GetEnvList("AUTH_TENANTS") {
		cfg.Tenants = append(cfg.Tenants, loadTenant(name))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadTenant(name string) TenantConfig {
	prefix := TenantEnvPrefix(name)
	return TenantConfig{
		Name:           name,
		JWTSecret:      config.GetEnv(prefix+"JWT_SECRET", ""),
		JWTPublicKey:   strings.ReplaceAll(config.GetEnv(prefix+"JWT_PUBLIC_KEY", ""), `\n`, "\n"),
		Issuer:         config.GetEnv(prefix+"ISSUER", ""),
		Audience:       config.GetEnv(prefix+"AUDIENCE", ""),
		DirectoryURL:   config.GetEnv(prefix+"DIRECTORY_URL", ""),
		DirectoryToken: config.GetEnv(prefix+"DIRECTORY_TOKEN", ""),
	}
}

// TenantEnvPrefix maps a tenant name to its variable prefix,
// e.g. "acme-eu" -> "AUTH_TENANT_ACME_EU_".
func TenantEnvPrefix(name string) string {
	upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
	return "AUTH_TENANT_" + upper + "_"
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.IdentityServiceURL == "" {
		errs = append(errs, errors.New("IDENTITY_SERVICE_URL is required"))
	}
	if c.ChatServiceURL == "" {
		errs = append(errs, errors.New("CHAT_SERVICE_URL is required"))
	}
	if len(c.Tenants) == 0 {
		errs = append(errs, errors.New("AUTH_TENANTS must name at least one tenant"))
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tenant %q listed twice", t.Name))
		}
		seen[t.Name] = true
		if (t.JWTSecret == "") == (t.JWTPublicKey == "") {
			errs = append(errs, fmt.Errorf("tenant %q: set exactly one of %sJWT_SECRET or %sJWT_PUBLIC_KEY",
				t.Name, TenantEnvPrefix(t.Name), TenantEnvPrefix(t.Name)))
		}
	}
	if c.MaxSubscribeChannels <= 0 {
		errs = append(errs, errors.New("MAX_SUBSCRIBE_CHANNELS must be positive"))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("PRESENCE_TTL must be positive"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("AUTH_TIMEOUT must be positive"))
	}
	if c.CollaboratorMaxRetries < 0 {
		errs = append(errs, errors.New("COLLABORATOR_MAX_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether lifecycle events should be produced.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
