package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// TokenSource resolves a named credential. Consumers (the OpenAI client, the
// Discord gateway) depend on this rather than on *Client so they stay
// testable without AWS.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// tokenPayload is the JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client wraps an AWS SSM API for credential retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted raw value of a parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Token fetches a parameter holding {"token": "..."} and returns the token.
func (c *Client) Token(ctx context.Context, name string) (string, error) {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token %q as JSON: %w", name, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: token %q is empty", name)
	}
	return strings.TrimSpace(tp.Token), nil
}

// Env serves tokens straight from environment variables; the name is the
// variable name. It is used when no SSM prefix is configured.
type Env struct {
	Lookup func(string) (string, bool)
}

func (e Env) Token(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(name)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("paramstore: environment variable %s is not set", name)
	}
	return v, nil
}
