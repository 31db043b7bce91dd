// Package config loads runtime configuration from the environment, with
// Docker secret support for sensitive values.
package config

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"peercall-backend/internal/database"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/env"
	apperrors "peercall-backend/pkg/errors"
)

// Config holds all runtime configuration for the call service
type Config struct {
	Env      string
	HTTPPort int

	// SelfUserID identifies the local user this instance signals as
	SelfUserID   uuid.UUID
	SelfUsername string

	FirestoreProjectID      string
	FirebaseCredentialsPath string

	Redis *database.RedisConfig

	JWTSecret string

	STUNServers []string

	RingTimeout time.Duration
}

// Load reads configuration from the environment. SELF_USER_ID and
// FIRESTORE_PROJECT_ID are required; everything else has defaults.
func Load() (*Config, error) {
	selfUserID, err := uuid.Parse(env.MustGetString("SELF_USER_ID"))
	if err != nil {
		return nil, apperrors.ValidationError("SELF_USER_ID is not a valid UUID")
	}

	cfg := &Config{
		Env:          env.GetString("ENV", "development"),
		HTTPPort:     env.GetInt("HTTP_PORT", 8080),
		SelfUserID:   selfUserID,
		SelfUsername: env.GetString("SELF_USERNAME", ""),

		FirestoreProjectID:      env.MustGetString("FIRESTORE_PROJECT_ID"),
		FirebaseCredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),

		Redis: &database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 3*time.Second),
		},

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),

		RingTimeout: env.GetDuration("RING_TIMEOUT", constants.RingTimeout),
	}

	for _, server := range strings.Split(env.GetString("STUN_SERVERS", ""), ",") {
		if server = strings.TrimSpace(server); server != "" {
			cfg.STUNServers = append(cfg.STUNServers, server)
		}
	}

	if cfg.Env != "development" && cfg.JWTSecret == "" {
		return nil, apperrors.ValidationError("JWT_SECRET is required outside development")
	}

	return cfg, nil
}
