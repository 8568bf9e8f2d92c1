package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// maxBatch is the GetParameters limit per call.
const maxBatch = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Client wraps an AWS SSM API for decrypted parameter retrieval.
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

// GetParameters fetches the named parameters with decryption. Names that do
// not exist are absent from the result; callers decide whether that is fatal.
func (c *Client) GetParameters(ctx context.Context, names []string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}

	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("paramstore: at least one name is required")
	}

	values := make(map[string]string, len(cleaned))
	for start := 0; start < len(cleaned); start += maxBatch {
		end := min(start+maxBatch, len(cleaned))
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          cleaned[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters %q: %w", cleaned[start:end], err)
		}
		if out == nil {
			return nil, errors.New("paramstore: empty response")
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			values[*p.Name] = *p.Value
		}
	}
	return values, nil
}
