package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound envelope types.
const (
	TypeMessage      = "message"
	TypeMessages     = "messages"
	TypeTask         = "task"
	TypeTasks        = "tasks"
	TypeTaskStep     = "task_step"
	TypeTaskSteps    = "task_steps"
	TypeAgentAction  = "agent_action"
	TypeAgentActions = "agent_actions"
	TypeAgentState   = "agent_state"
)

// Outbound envelope types.
const (
	TypeOutboundMessage = "message"
	TypeModelChange     = "model_change"
)

// ErrMalformedEnvelope is returned for frames that are not a JSON object with
// a string "type".
var ErrMalformedEnvelope = errors.New("malformed envelope")

// UnknownTypeError reports a well-formed envelope whose type is not handled.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown envelope type %q", e.Type)
}

// Envelope is one inbound realtime frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile("envelope.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

// DecodeEnvelope validates and decodes a raw frame. Any failure wraps
// ErrMalformedEnvelope.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// OutboundMessage asks the backend to post a user message.
type OutboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ModelChange asks the backend to switch the session's model.
type ModelChange struct {
	Type    string `json:"type"`
	ModelID string `json:"model_id"`
}

func NewOutboundMessage(content string) OutboundMessage {
	return OutboundMessage{Type: TypeOutboundMessage, Content: content}
}

func NewModelChange(modelID string) ModelChange {
	return ModelChange{Type: TypeModelChange, ModelID: modelID}
}
