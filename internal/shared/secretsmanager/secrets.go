package secretsmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
)

var ErrEmptySecret = errors.New("secret has no string value")

var logger = logging.NewLogger("secretsmanager")

// API is the subset of the Secrets Manager client used here.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// NewClient builds a client from the default AWS credential chain. An
// empty region keeps the chain's region.
func NewClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadIdentity reads a node identity stored as a key file in the secret's
// string value.
func LoadIdentity(ctx context.Context, api API, secretName string) (*identity.Identity, error) {
	logger.Info("Loading identity from AWS Secrets Manager", "secret_name", secretName)

	result, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve secret from AWS Secrets Manager: %w", err)
	}
	if result.SecretString == nil || *result.SecretString == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptySecret, secretName)
	}

	id, err := identity.Unmarshal([]byte(*result.SecretString))
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity secret: %w", err)
	}

	logger.Info("Loaded identity from Secrets Manager", "secret_name", secretName, "peer", id.PeerID)
	return id, nil
}

// SaveIdentity stores id under secretName, creating the secret or adding
// a new version if it already exists.
func SaveIdentity(ctx context.Context, api API, secretName string, id *identity.Identity) error {
	data, err := id.Marshal()
	if err != nil {
		return err
	}

	_, err = api.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretName),
		SecretString: aws.String(string(data)),
	})
	if err == nil {
		logger.Info("Created identity secret in AWS Secrets Manager", "secret_name", secretName, "peer", id.PeerID)
		return nil
	}

	var exists *types.ResourceExistsException
	if !errors.As(err, &exists) {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	if _, err := api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretName),
		SecretString: aws.String(string(data)),
	}); err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}

	logger.Info("Updated identity secret in AWS Secrets Manager", "secret_name", secretName, "peer", id.PeerID)
	return nil
}

// LoadIdentityOrFallback tries Secrets Manager first and falls back to
// fallbackFn, typically a local key file.
func LoadIdentityOrFallback(ctx context.Context, api API, secretName string, fallbackFn func() (*identity.Identity, error)) (*identity.Identity, error) {
	id, err := LoadIdentity(ctx, api, secretName)
	if err == nil {
		return id, nil
	}

	logger.Warn("Failed to load identity from AWS Secrets Manager, falling back to local file",
		"error", err.Error())
	return fallbackFn()
}
