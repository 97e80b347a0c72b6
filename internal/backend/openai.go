// ABOUTME: OpenAI Responses API implementation of the backend streamer
// ABOUTME: Issues one streaming call per request and relays raw events verbatim

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/2389/loom/internal/catalog"
)

// eventBufferSize is the relay channel buffer between the SSE reader and
// the conversation actor.
const eventBufferSize = 32

// OpenAI streams model responses over the OpenAI Responses API.
type OpenAI struct {
	client openai.Client
	logger *slog.Logger
}

// Options configure the OpenAI backend client.
type Options struct {
	APIKey  string
	BaseURL string
}

// NewOpenAI creates a Responses API backend. An empty APIKey falls back to
// the SDK's environment lookup; BaseURL overrides the default endpoint for
// OpenAI-compatible gateways.
func NewOpenAI(opts Options, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		logger: logger.With("component", "backend"),
	}
}

// Stream issues exactly one streaming call and relays its events. The
// returned channel is closed when the stream ends; a terminal failure is
// delivered as a final Event with Err set. No retries happen here.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, reqOpts := buildParams(req)

	out := make(chan Event, eventBufferSize)
	go func() {
		defer close(out)

		stream := o.client.Responses.NewStreaming(ctx, params, reqOpts...)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()
			out <- Event{
				Type:           string(ev.Type),
				SequenceNumber: ev.SequenceNumber,
				Raw:            json.RawMessage(ev.RawJSON()),
			}
		}
		if err := stream.Err(); err != nil {
			o.logger.Warn("model stream failed", "error", err, "model", req.Model)
			out <- Event{Err: &CallError{Source: classifySource(err), Err: err}}
		}
	}()

	return out, nil
}

// buildParams maps a Request onto the SDK call. Fields the typed params do
// not model (tools passthrough, text verbosity, context compaction) are
// attached as raw JSON on the request body.
func buildParams(req Request) (responses.ResponseNewParams, []option.RequestOption) {
	params := responses.ResponseNewParams{
		Model:             shared.ResponsesModel(req.Model),
		ParallelToolCalls: openai.Bool(true),
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort:  shared.ReasoningEffort(req.ReasoningEffort),
			Summary: shared.ReasoningSummaryAuto,
		}
	}

	var input responses.ResponseInputParam
	if req.Approval != nil {
		input = append(input, responses.ResponseInputItemUnionParam{
			OfMcpApprovalResponse: &responses.ResponseInputItemMcpApprovalResponseParam{
				ApprovalRequestID: req.Approval.ApprovalRequestID,
				Approve:           req.Approval.Approve,
			},
		})
	} else {
		for _, m := range req.Input {
			input = append(input, responses.ResponseInputItemUnionParam{
				OfMessage: &responses.EasyInputMessageParam{
					Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(m.Content)},
					Role:    responses.EasyInputMessageRole(m.Role),
				},
			})
		}
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: input}

	var reqOpts []option.RequestOption
	if len(req.Tools) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("tools", toolsJSON(req.Tools)))
	}
	if req.Verbosity != "" {
		reqOpts = append(reqOpts, option.WithJSONSet("text", map[string]any{
			"format":    map[string]any{"type": "text"},
			"verbosity": req.Verbosity,
		}))
	}
	if req.CompactThreshold > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("context_management", []map[string]any{{
			"type":              "compaction",
			"compact_threshold": req.CompactThreshold,
		}}))
	}
	return params, reqOpts
}

// toolsJSON converts tool descriptors to the wire shape the Responses API
// expects.
func toolsJSON(tools []catalog.ToolDescriptor) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		switch t.Type {
		case catalog.ToolTypeWebSearch:
			out = append(out, map[string]any{"type": "web_search"})
		case catalog.ToolTypeCodeInterpreter:
			out = append(out, map[string]any{
				"type":      "code_interpreter",
				"container": map[string]any{"type": "auto"},
			})
		case catalog.ToolTypeMCP:
			entry := map[string]any{
				"type":         "mcp",
				"server_label": t.ServerLabel,
				"server_url":   t.ServerURL,
			}
			if len(t.AllowedTools) > 0 {
				entry["allowed_tools"] = t.AllowedTools
			}
			entry["require_approval"] = approvalJSON(t)
			out = append(out, entry)
		}
	}
	return out
}

// approvalJSON renders the per-tool approval policy. A plain string covers
// the uniform case; tool-name filters use the object form.
func approvalJSON(t catalog.ToolDescriptor) any {
	if len(t.PerToolApproval) == 0 {
		if t.RequireApproval == "" {
			return catalog.ApprovalNever
		}
		return t.RequireApproval
	}
	var always, never []string
	for name, policy := range t.PerToolApproval {
		if policy == catalog.ApprovalAlways {
			always = append(always, name)
		} else {
			never = append(never, name)
		}
	}
	filter := map[string]any{}
	if len(always) > 0 {
		filter["always"] = map[string]any{"tool_names": always}
	}
	if len(never) > 0 {
		filter["never"] = map[string]any{"tool_names": never}
	}
	return filter
}

// classifySource separates backend-reported failures (the API answered
// with an error) from transport-level ones.
func classifySource(err error) Source {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return SourceBackend
	}
	return SourceNetwork
}
