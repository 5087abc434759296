package completion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// defaultMaxTokens caps responses when the request does not set a limit.
const defaultMaxTokens = 8192

// ClientConfig contains configuration for creating a Client.
type ClientConfig struct {
	// Model is the default model; requests may override it.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// Client implements Service against the Anthropic API.
type Client struct {
	inner   anthropic.Client
	model   anthropic.Model
	bedrock bool
}

// NewClient creates an Anthropic-backed completion client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Client{
		inner:   anthropic.NewClient(opts...),
		model:   model,
		bedrock: cfg.UseAWSBedrock,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Complete issues one messages call and flattens the response text.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := c.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
		if c.bedrock {
			model = translateModelForBedrock(model)
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	return &Response{
		Text:       text.String(),
		TokensUsed: msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}, nil
}

// classify wraps an SDK error as a ServiceError, marking rate limits,
// timeouts, and server-side failures as transient.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return &ServiceError{Code: "rate_limited", Transient: true, Err: err}
		case apierr.StatusCode == 408 || apierr.StatusCode == 529:
			return &ServiceError{Code: "overloaded", Transient: true, Err: err}
		case apierr.StatusCode >= 500:
			return &ServiceError{Code: "server_error", Transient: true, Err: err}
		default:
			return &ServiceError{Code: "api_error", Err: err}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Connection-level failures are worth a retry.
	return &ServiceError{Code: "connection_error", Transient: true, Err: err}
}
