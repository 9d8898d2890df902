package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned by Unmarshal when the envelope discriminator does
// not name a known event.
var ErrUnknownType = errors.New("event: unknown type")

// envelope is the JSON representation of an event. Only the fields relevant
// to the discriminated variant are populated.
type envelope struct {
	Type                Type              `json:"type"`
	Content             string            `json:"content,omitempty"`
	ReasoningContent    string            `json:"reasoning_content,omitempty"`
	ReasoningStartedAt  *time.Time        `json:"reasoning_started_at,omitempty"`
	ReasoningEndedAt    *time.Time        `json:"reasoning_ended_at,omitempty"`
	ToolCall            ToolCallPhase     `json:"tool_call,omitempty"`
	ToolCallID          string            `json:"tool_call_id,omitempty"`
	ToolCallName        string            `json:"tool_call_name,omitempty"`
	ToolCallParams      string            `json:"tool_call_params,omitempty"`
	ToolCallResponse    string            `json:"tool_call_response,omitempty"`
	Permission          *Permission       `json:"permission_request,omitempty"`
	ImageData           *Image            `json:"image_data,omitempty"`
	RateLimit           *RateLimit        `json:"rate_limit,omitempty"`
	Usage               *Usage            `json:"usage,omitempty"`
	Error               string            `json:"error,omitempty"`
	MaxToolCallsReached *maxToolCallsJSON `json:"maximum_tool_calls_reached,omitempty"`
}

type maxToolCallsJSON struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Limit      int    `json:"limit"`
}

// Marshal encodes ev as a JSON envelope of the form {"type": ..., ...}.
func Marshal(ev Event) ([]byte, error) {
	env := envelope{}
	switch e := ev.(type) {
	case Content:
		env.Content = e.Text
	case Reasoning:
		env.ReasoningContent = e.Text
		env.ReasoningStartedAt = e.StartedAt
		env.ReasoningEndedAt = e.EndedAt
	case ToolCall:
		env.ToolCall = e.Phase
		env.ToolCallID = e.ID
		env.ToolCallName = e.Name
		env.ToolCallParams = e.Params
		env.ToolCallResponse = e.Response
		env.Permission = e.Permission
	case Image:
		img := e
		env.ImageData = &img
	case RateLimit:
		rl := e
		env.RateLimit = &rl
	case Usage:
		u := e
		env.Usage = &u
	case Error:
		env.Error = e.Message
	case MaxToolCallsReached:
		env.MaxToolCallsReached = &maxToolCallsJSON{ToolCallID: e.ToolCallID, Limit: e.Limit}
	case End:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
	env.Type = ev.Type()
	return json.Marshal(env)
}

// Unmarshal decodes a JSON envelope produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch env.Type {
	case TypeContent:
		return Content{Text: env.Content}, nil
	case TypeReasoning:
		return Reasoning{Text: env.ReasoningContent, StartedAt: env.ReasoningStartedAt, EndedAt: env.ReasoningEndedAt}, nil
	case TypeToolCall:
		return ToolCall{
			Phase:      env.ToolCall,
			ID:         env.ToolCallID,
			Name:       env.ToolCallName,
			Params:     env.ToolCallParams,
			Response:   env.ToolCallResponse,
			Permission: env.Permission,
		}, nil
	case TypeImage:
		if env.ImageData == nil {
			return nil, errors.New("decode event: image_data missing")
		}
		return *env.ImageData, nil
	case TypeRateLimit:
		if env.RateLimit == nil {
			return nil, errors.New("decode event: rate_limit missing")
		}
		return *env.RateLimit, nil
	case TypeUsage:
		if env.Usage == nil {
			return Usage{}, nil
		}
		return *env.Usage, nil
	case TypeError:
		return Error{Message: env.Error}, nil
	case TypeMaxToolCallsReached:
		var m MaxToolCallsReached
		if env.MaxToolCallsReached != nil {
			m = MaxToolCallsReached{ToolCallID: env.MaxToolCallsReached.ToolCallID, Limit: env.MaxToolCallsReached.Limit}
		}
		return m, nil
	case TypeEnd:
		return End{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
