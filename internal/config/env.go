package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// secretFetcher is the slice of the Secrets Manager client used here.
type secretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then
// loads local .env files. It returns human-readable notes for the caller to
// log, since the logger is configured from the environment being loaded.
func LoadEnv(ctx context.Context) []string {
	var notes []string

	secretID := getenv("AWS_SECRETS_MANAGER_SECRET_ID", os.Getenv("AWS_SECRET_ID"))
	if secretID != "" {
		cfg, err := loadAWSConfig(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
		if err != nil {
			notes = append(notes, fmt.Sprintf("skipping AWS Secrets Manager load: %v", err))
		} else {
			applied, err := applySecret(ctx, secretsmanager.NewFromConfig(cfg), secretID,
				getenv("AWS_SECRETS_MANAGER_VERSION_STAGE", "AWSCURRENT"),
				strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true"))
			if err != nil {
				notes = append(notes, fmt.Sprintf("skipping AWS Secrets Manager load: %v", err))
			} else {
				notes = append(notes, fmt.Sprintf("loaded %d env vars from secret %s", applied, secretID))
			}
		}
	}

	envFile := getenv("ENV_FILE_PATH", ".env")
	if err := godotenv.Load(envFile); err != nil && os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		notes = append(notes, fmt.Sprintf(".env file not found at %s, using process environment", envFile))
	}

	return notes
}

func applySecret(ctx context.Context, client secretFetcher, secretID, versionStage string, overwrite bool) (int, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	}
	if versionStage != "" {
		input.VersionStage = aws.String(versionStage)
	}

	output, err := client.GetSecretValue(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
