package push

import (
	"fmt"

	"go.uber.org/zap"

	"peercall-backend/pkg/env"
	"peercall-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates a push notification provider based on environment configuration
// Returns the appropriate provider based on PUSH_PROVIDER environment variable
func NewProvider() (Provider, error) {
	providerType := ProviderType(env.GetString("PUSH_PROVIDER", "mock"))

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		return newFCMProvider()
	case ProviderTypeAPNs:
		return newAPNsProvider()
	case ProviderTypeMock:
		return newMockProvider()
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return newMockProvider()
	}
}

// newFCMProvider creates a new FCM provider from environment configuration
func newFCMProvider() (Provider, error) {
	projectID := env.GetString("FCM_PROJECT_ID", "")
	credentialsPath := env.GetString("FCM_CREDENTIALS_PATH", "")

	if projectID == "" {
		return nil, fmt.Errorf("FCM_PROJECT_ID environment variable is required for FCM provider")
	}

	return NewFCMProvider(&FCMConfig{
		ProjectID:       projectID,
		CredentialsPath: credentialsPath,
	})
}

// newAPNsProvider creates a new APNs provider from environment configuration
func newAPNsProvider() (Provider, error) {
	bundleID := env.GetString("APNS_BUNDLE_ID", "")
	if bundleID == "" {
		return nil, fmt.Errorf("APNS_BUNDLE_ID environment variable is required for APNs provider")
	}

	config := &APNsConfig{
		BundleID:            bundleID,
		KeyPath:             env.GetString("APNS_KEY_PATH", ""),
		KeyID:               env.GetString("APNS_KEY_ID", ""),
		TeamID:              env.GetString("APNS_TEAM_ID", ""),
		CertificatePath:     env.GetString("APNS_CERT_PATH", ""),
		CertificatePassword: env.GetString("APNS_CERT_PASSWORD", ""),
		Production:          env.GetBool("APNS_PRODUCTION", false),
	}

	return NewAPNsProvider(config)
}

// newMockProvider creates a new mock provider
func newMockProvider() (Provider, error) {
	logger.Info("Using mock push notification provider")
	return &MockProvider{}, nil
}
