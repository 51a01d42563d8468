package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterAPI is the slice of the SSM client used for secrets; *ssm.Client satisfies it.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

const (
	geminiKeyParam   = "gemini-api-key"
	twilioTokenParam = "twilio-auth-token"
)

// ApplySecrets fills secrets that were not set through the environment from
// Parameter Store under SSMParamPrefix. A no-op when the prefix is empty.
func ApplySecrets(ctx context.Context, cfg Config, api ParameterAPI) (Config, error) {
	if cfg.SSMParamPrefix == "" {
		return cfg, nil
	}
	if api == nil {
		return Config{}, errors.New("config: parameter api must not be nil")
	}

	var err error
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey, err = getParameter(ctx, api, cfg.SSMParamPrefix+"/"+geminiKeyParam)
		if err != nil {
			return Config{}, err
		}
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken == "" {
		cfg.TwilioAuthToken, err = getParameter(ctx, api, cfg.SSMParamPrefix+"/"+twilioTokenParam)
		if err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func getParameter(ctx context.Context, api ParameterAPI, name string) (string, error) {
	withDecryption := true
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("config: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("config: parameter %q missing value", name)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}
