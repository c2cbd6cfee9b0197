// Package bedrock implements the provider abstraction on AWS Bedrock's
// Converse API. Authentication follows the standard AWS credential
// chain; BEDROCK_REGION and BEDROCK_MODEL select the deployment.
//
// Transient throttling and 5xx responses are retried by the SDK's
// standard retryer, configured to match the provider-layer policy used
// by the HTTP-based clients.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/sleuthhq/sleuth/internal/llm/extract"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

const (
	// DefaultRegion is used when BEDROCK_REGION is unset.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when BEDROCK_MODEL is unset.
	DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// maxAttempts mirrors the retry policy of the HTTP providers:
	// one initial attempt plus three retries.
	maxAttempts = 4
)

// converseAPI is the slice of the Bedrock runtime client we use;
// narrowed for test fakes.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client talks to AWS Bedrock via the Converse API.
type Client struct {
	api    converseAPI
	model  string
	region string
}

// NewClient builds a Bedrock client from the ambient AWS credential chain.
func NewClient(ctx context.Context, region, model string) (*Client, error) {
	if region == "" {
		region = DefaultRegion
	}
	if model == "" {
		model = DefaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(maxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &Client{
		api:    bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
		region: region,
	}, nil
}

// NewClientWithAPI injects a Converse implementation (tests).
func NewClientWithAPI(api converseAPI, model string) *Client {
	return &Client{api: api, model: model, region: DefaultRegion}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "bedrock" }

// Complete implements a plain text completion.
func (c *Client) Complete(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (string, error) {
	opts.Tools = nil
	resp, err := c.CompleteWithTools(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteWithTools performs one tool-enabled completion turn.
func (c *Client) CompleteWithTools(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.ToolResponse, error) {
	system, converted, err := convertMessages(messages)
	if err != nil {
		return nil, err
	}

	maxTokens := int32(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: converted,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(opts.Temperature),
		},
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
	}
	if tools := convertTools(types.CapToolsForAPI(opts.Tools)); tools != nil {
		input.ToolConfig = tools
	}

	out, err := c.api.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(out)
}

// ─── Dialect translation ──────────────────────────────────────────────────────

// convertMessages maps the neutral transcript to Converse messages.
// Bedrock has no tool role; tool results become toolResult blocks in a
// user-role message, grouped when adjacent.
func convertMessages(messages []types.Message) (string, []brtypes.Message, error) {
	system := ""
	out := make([]brtypes.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Role {
		case types.RoleSystem:
			if system == "" {
				system = m.Content
			}

		case types.RoleTool:
			content := []brtypes.ContentBlock{}
			for ; i < len(messages) && messages[i].Role == types.RoleTool; i++ {
				content = append(content, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(messages[i].ToolCallID),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: messages[i].Content},
						},
					},
				})
			}
			i--
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: content})

		case types.RoleAssistant:
			content := []brtypes.ContentBlock{}
			if m.Content != "" {
				content = append(content, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(tc.ParseArguments()),
					},
				})
			}
			if len(content) == 0 {
				content = append(content, &brtypes.ContentBlockMemberText{Value: ""})
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: content})

		default:
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return system, out, nil
}

func convertTools(tools []types.ToolDefinition) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	out := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: out}
}

func translateResponse(out *bedrockruntime.ConverseOutput) (*types.ToolResponse, error) {
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}

	resp := &types.ToolResponse{}
	if out.Usage != nil {
		resp.Usage = types.TokenUsage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Content += b.Value
		case *brtypes.ContentBlockMemberToolUse:
			var input map[string]interface{}
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
					input = map[string]interface{}{}
				}
			}
			args, err := json.Marshal(input)
			if err != nil {
				args = []byte("{}")
			}
			id := aws.ToString(b.Value.ToolUseId)
			if id == "" {
				id = "call_" + uuid.New().String()[:8]
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        id,
				Name:      aws.ToString(b.Value.Name),
				Arguments: string(args),
			})
		}
	}

	if len(resp.ToolCalls) == 0 && extract.LooksLikeToolJSON(resp.Content) {
		if recovered := extract.ToolCalls(resp.Content); len(recovered) > 0 {
			resp.ToolCalls = recovered
			resp.Content = ""
		}
	}

	switch {
	case len(resp.ToolCalls) > 0:
		resp.FinishReason = types.FinishToolCalls
	case out.StopReason == brtypes.StopReasonMaxTokens:
		resp.FinishReason = types.FinishLength
	default:
		resp.FinishReason = types.FinishStop
	}
	return resp, nil
}
