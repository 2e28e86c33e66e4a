// Package config loads process configuration from the environment (and an
// optional .env file) into a typed Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Rate limit buckets consulted by the governor. Kept here as plain strings so
// config does not depend on the middleware package.
const (
	BucketAuth      = "auth"
	BucketPayment   = "payment"
	BucketMessaging = "messaging"
	BucketDiscovery = "discovery"
	BucketGeneral   = "general"
)

type Config struct {
	MongoURI      string
	MongoDatabase string
	StoreBackend  string // "mongo" or "memory"
	StoreTimeout  time.Duration
	RedisURL      string

	GRPCPort    string
	HTTPPort    string
	TLSCert     string
	TLSKey      string
	RequireTLS  bool
	CORSOrigins []string

	JWTSecret    string
	JWTKeys      map[string]string
	JWTActiveKid string
	JWTTTL       time.Duration
	ChallengeTTL time.Duration

	SolanaRPCURL     string
	SolanaRPCTimeout time.Duration
	PlatformWallet   string

	MessageFeeLamports      uint64
	VerificationFeeLamports uint64
	FreeMessaging           bool
	RequireVerifiedSwipe    bool

	// RateLimits holds requests per minute for each bucket.
	RateLimits map[string]int

	LogLevel       string
	LogDevelopment bool
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	SetDefaults(v)
	return FromViper(v)
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("MONGODB_DATABASE", "swipepay")
	v.SetDefault("STORE_BACKEND", "mongo")
	v.SetDefault("STORE_TIMEOUT", 5*time.Second)
	v.SetDefault("GRPC_PORT", "50051")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("JWT_TTL", 24*time.Hour)
	v.SetDefault("CHALLENGE_TTL", 5*time.Minute)
	v.SetDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	v.SetDefault("SOLANA_RPC_TIMEOUT", 8*time.Second)
	v.SetDefault("MESSAGE_FEE_LAMPORTS", 500000)
	v.SetDefault("VERIFICATION_FEE_LAMPORTS", 10000000)
	v.SetDefault("FREE_MESSAGING", false)
	v.SetDefault("REQUIRE_VERIFIED_SWIPE", false)
	v.SetDefault("RATE_LIMIT_AUTH_RPM", 10)
	v.SetDefault("RATE_LIMIT_PAYMENT_RPM", 20)
	v.SetDefault("RATE_LIMIT_MESSAGING_RPM", 60)
	v.SetDefault("RATE_LIMIT_DISCOVERY_RPM", 120)
	v.SetDefault("RATE_LIMIT_GENERAL_RPM", 300)
	v.SetDefault("LOG_LEVEL", "info")
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		MongoURI:      v.GetString("MONGODB_URI"),
		MongoDatabase: v.GetString("MONGODB_DATABASE"),
		StoreBackend:  strings.ToLower(v.GetString("STORE_BACKEND")),
		StoreTimeout:  v.GetDuration("STORE_TIMEOUT"),
		RedisURL:      v.GetString("REDIS_URL"),

		GRPCPort:    v.GetString("GRPC_PORT"),
		HTTPPort:    v.GetString("HTTP_PORT"),
		TLSCert:     v.GetString("TLS_CERT"),
		TLSKey:      v.GetString("TLS_KEY"),
		RequireTLS:  v.GetBool("REQUIRE_TLS"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		JWTSecret:    v.GetString("JWT_SECRET"),
		JWTActiveKid: v.GetString("JWT_ACTIVE_KID"),
		JWTTTL:       v.GetDuration("JWT_TTL"),
		ChallengeTTL: v.GetDuration("CHALLENGE_TTL"),

		SolanaRPCURL:     v.GetString("SOLANA_RPC_URL"),
		SolanaRPCTimeout: v.GetDuration("SOLANA_RPC_TIMEOUT"),
		PlatformWallet:   strings.TrimSpace(v.GetString("PLATFORM_WALLET")),

		MessageFeeLamports:      v.GetUint64("MESSAGE_FEE_LAMPORTS"),
		VerificationFeeLamports: v.GetUint64("VERIFICATION_FEE_LAMPORTS"),
		FreeMessaging:           v.GetBool("FREE_MESSAGING"),
		RequireVerifiedSwipe:    v.GetBool("REQUIRE_VERIFIED_SWIPE"),

		RateLimits: map[string]int{
			BucketAuth:      v.GetInt("RATE_LIMIT_AUTH_RPM"),
			BucketPayment:   v.GetInt("RATE_LIMIT_PAYMENT_RPM"),
			BucketMessaging: v.GetInt("RATE_LIMIT_MESSAGING_RPM"),
			BucketDiscovery: v.GetInt("RATE_LIMIT_DISCOVERY_RPM"),
			BucketGeneral:   v.GetInt("RATE_LIMIT_GENERAL_RPM"),
		},

		LogLevel:       v.GetString("LOG_LEVEL"),
		LogDevelopment: v.GetBool("LOG_DEVELOPMENT"),
	}

	// JWT_KEYS format: kid:secret,kid2:secret2
	if raw := v.GetString("JWT_KEYS"); raw != "" {
		keys, err := parseKeys(raw)
		if err != nil {
			return nil, err
		}
		c.JWTKeys = keys
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI must be set")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be mongo or memory, got %q", c.StoreBackend)
	}
	if len(c.JWTKeys) == 0 && c.JWTSecret == "" {
		return fmt.Errorf("either JWT_SECRET or JWT_KEYS must be set")
	}
	if len(c.JWTKeys) > 0 {
		if _, ok := c.JWTKeys[c.JWTActiveKid]; !ok {
			return fmt.Errorf("JWT_ACTIVE_KID %q not present in JWT_KEYS", c.JWTActiveKid)
		}
	}
	if c.PlatformWallet == "" {
		return fmt.Errorf("PLATFORM_WALLET must be set")
	}
	if !c.FreeMessaging && c.MessageFeeLamports == 0 {
		return fmt.Errorf("MESSAGE_FEE_LAMPORTS must be positive unless FREE_MESSAGING is enabled")
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	for bucket, rpm := range c.RateLimits {
		if rpm <= 0 {
			return fmt.Errorf("rate limit for %s must be positive", bucket)
		}
	}
	return nil
}

func parseKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
