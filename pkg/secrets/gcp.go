package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Getter is what configuration loading needs from a secret backend.
type Getter interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

var _ Getter = (*GCPSecretManager)(nil)

// NewGCPSecretManager connects with application default credentials, or with
// the service account key file when credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames maps each credential to its secret id in the project.
type SecretNames struct {
	FyersClientID  string `mapstructure:"fyers_client_id" yaml:"fyers_client_id"`
	FyersSecretKey string `mapstructure:"fyers_secret_key" yaml:"fyers_secret_key"`
	FyersFyID      string `mapstructure:"fyers_fy_id" yaml:"fyers_fy_id"`
	FyersTOTPKey   string `mapstructure:"fyers_totp_key" yaml:"fyers_totp_key"`
	FyersPIN       string `mapstructure:"fyers_pin" yaml:"fyers_pin"`

	TelegramBotToken string `mapstructure:"telegram_bot_token" yaml:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id" yaml:"telegram_chat_id"`

	WebhookToken string `mapstructure:"webhook_token" yaml:"webhook_token"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		FyersClientID:    "fyers-client-id",
		FyersSecretKey:   "fyers-secret-key",
		FyersFyID:        "fyers-fy-id",
		FyersTOTPKey:     "fyers-totp-key",
		FyersPIN:         "fyers-pin",
		TelegramBotToken: "telegram-bot-token",
		TelegramChatID:   "telegram-chat-id",
		WebhookToken:     "sigtrader-webhook-token",
	}
}
