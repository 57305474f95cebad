package state

import (
	"encoding/json"
	"fmt"
)

// Message types follow the LangChain convention
const (
	MessageHuman  = "human"
	MessageAI     = "ai"
	MessageSystem = "system"
	MessageTool   = "tool"
)

// Message is one conversational message in execution state
type Message struct {
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	AdditionalKwargs map[string]any `json:"additional_kwargs,omitempty"`
}

// Usage accumulates model token and cost totals across an execution.
// All fields merge by numeric sum.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LLMCalls     int64   `json:"llm_calls"`
}

// Add sums another usage sample into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
	u.LLMCalls += other.LLMCalls
}

// IsZero reports whether no usage has been recorded
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// LoopView is the slice of loop context visible to body nodes
type LoopView struct {
	Index int   `json:"index"`
	Item  any   `json:"item"`
	Items []any `json:"items"`
}

// State is the per-execution mutable blob. Every documented key is a
// typed field so merge rules and key protection hold by construction;
// unknown keys written by components ride along in extra.
//
// Merge semantics per key: messages append, node_outputs dict-union,
// subworkflow results and loop errors dict-union, token usage sums,
// everything else overwrites. execution_id never changes after init.
type State struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	Messages    []Message      `json:"messages,omitempty"`
	NodeOutputs map[string]any `json:"node_outputs,omitempty"`
	Trigger     map[string]any `json:"trigger,omitempty"`
	Route       string         `json:"route,omitempty"`
	UserContext map[string]any `json:"user_context,omitempty"`
	Loop        *LoopView      `json:"loop,omitempty"`
	Output      any            `json:"output,omitempty"`

	// Transient keys, erased or consumed by the orchestrator
	SubworkflowResults map[string]any            `json:"_subworkflow_results,omitempty"`
	LoopErrors         map[string]map[string]any `json:"_loop_errors,omitempty"`
	TokenUsage         Usage                     `json:"-"`
	ResumeInput        *string                   `json:"_resume_input,omitempty"`

	extra map[string]any
}

// protectedKeys may never be replaced wholesale by a state patch
var protectedKeys = map[string]bool{
	"messages":     true,
	"node_outputs": true,
	"node_results": true,
}

// New builds the initial state for an execution. If the trigger payload
// carries a text field it becomes the first human message.
func New(executionID string, trigger map[string]any, userProfileID string) *State {
	s := &State{
		ExecutionID: executionID,
		NodeOutputs: make(map[string]any),
		Trigger:     trigger,
		UserContext: map[string]any{"user_profile_id": userProfileID},
	}
	if text, ok := trigger["text"].(string); ok && text != "" {
		s.Messages = append(s.Messages, Message{Type: MessageHuman, Content: text})
	}
	return s
}

// MarshalJSON flattens extra keys alongside the typed fields
func (s *State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.extra)+12)
	for k, v := range s.extra {
		out[k] = v
	}
	if s.ExecutionID != "" {
		out["execution_id"] = s.ExecutionID
	}
	if s.Messages != nil {
		out["messages"] = s.Messages
	}
	if s.NodeOutputs != nil {
		out["node_outputs"] = s.NodeOutputs
	}
	if s.Trigger != nil {
		out["trigger"] = s.Trigger
	}
	if s.Route != "" {
		out["route"] = s.Route
	}
	if s.UserContext != nil {
		out["user_context"] = s.UserContext
	}
	if s.Loop != nil {
		out["loop"] = s.Loop
	}
	if s.Output != nil {
		out["output"] = s.Output
	}
	if s.SubworkflowResults != nil {
		out["_subworkflow_results"] = s.SubworkflowResults
	}
	if s.LoopErrors != nil {
		out["_loop_errors"] = s.LoopErrors
	}
	if !s.TokenUsage.IsZero() {
		out["_execution_token_usage"] = s.TokenUsage
	}
	if s.ResumeInput != nil {
		out["_resume_input"] = *s.ResumeInput
	}
	return json.Marshal(out)
}

// UnmarshalJSON routes known keys to typed fields and the rest to extra
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, val := range raw {
		var err error
		switch key {
		case "execution_id":
			err = json.Unmarshal(val, &s.ExecutionID)
		case "messages":
			err = json.Unmarshal(val, &s.Messages)
		case "node_outputs":
			err = json.Unmarshal(val, &s.NodeOutputs)
		case "trigger":
			err = json.Unmarshal(val, &s.Trigger)
		case "route":
			err = json.Unmarshal(val, &s.Route)
		case "user_context":
			err = json.Unmarshal(val, &s.UserContext)
		case "loop":
			err = json.Unmarshal(val, &s.Loop)
		case "output":
			err = json.Unmarshal(val, &s.Output)
		case "_subworkflow_results":
			err = json.Unmarshal(val, &s.SubworkflowResults)
		case "_loop_errors":
			err = json.Unmarshal(val, &s.LoopErrors)
		case "_execution_token_usage":
			err = json.Unmarshal(val, &s.TokenUsage)
		case "_resume_input":
			err = json.Unmarshal(val, &s.ResumeInput)
		default:
			var v any
			if err = json.Unmarshal(val, &v); err == nil {
				if s.extra == nil {
					s.extra = make(map[string]any)
				}
				s.extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("failed to decode state key %q: %w", key, err)
		}
	}
	return nil
}

// AppendMessages appends to the message list (never overwrites)
func (s *State) AppendMessages(messages ...Message) {
	s.Messages = append(s.Messages, messages...)
}

// SetNodeOutput records a node's port data; the latest attempt wins
func (s *State) SetNodeOutput(nodeID string, output any) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = make(map[string]any)
	}
	s.NodeOutputs[nodeID] = output
}

// NodeOutput returns a node's recorded output
func (s *State) NodeOutput(nodeID string) (any, bool) {
	v, ok := s.NodeOutputs[nodeID]
	return v, ok
}

// SetSubworkflowResult records a child execution's output under the
// parent node that spawned it
func (s *State) SetSubworkflowResult(parentNodeID string, childOutput any) {
	if s.SubworkflowResults == nil {
		s.SubworkflowResults = make(map[string]any)
	}
	s.SubworkflowResults[parentNodeID] = childOutput
}

// TakeSubworkflowResult consumes a child result if present
func (s *State) TakeSubworkflowResult(parentNodeID string) (any, bool) {
	v, ok := s.SubworkflowResults[parentNodeID]
	if ok {
		delete(s.SubworkflowResults, parentNodeID)
	}
	return v, ok
}

// RecordLoopError captures one body node failure for the current iteration
func (s *State) RecordLoopError(loopID, bodyNode string, errInfo any) {
	if s.LoopErrors == nil {
		s.LoopErrors = make(map[string]map[string]any)
	}
	if s.LoopErrors[loopID] == nil {
		s.LoopErrors[loopID] = make(map[string]any)
	}
	s.LoopErrors[loopID][bodyNode] = errInfo
}

// TakeLoopErrors returns and clears the error map for a loop, making
// room for the next iteration
func (s *State) TakeLoopErrors(loopID string) map[string]any {
	errs := s.LoopErrors[loopID]
	delete(s.LoopErrors, loopID)
	return errs
}

// SetResumeInput stages user input for an interrupted node
func (s *State) SetResumeInput(input string) {
	s.ResumeInput = &input
}

// TakeResumeInput consumes the staged resume input
func (s *State) TakeResumeInput() (string, bool) {
	if s.ResumeInput == nil {
		return "", false
	}
	input := *s.ResumeInput
	s.ResumeInput = nil
	return input, true
}

// Extra returns a custom key written by components
func (s *State) Extra(key string) (any, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// SetExtra writes a custom key (used by tests and internal plumbing)
func (s *State) SetExtra(key string, value any) {
	if s.extra == nil {
		s.extra = make(map[string]any)
	}
	s.extra[key] = value
}

// LastMessage returns the newest message, if any
func (s *State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastAIMessage returns the newest model-produced message, if any
func (s *State) LastAIMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Type == MessageAI {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// ApplyPatch applies a component _state_patch. Protected keys and
// transient underscore keys are dropped; documented keys land in their
// typed fields, anything else in extra.
func (s *State) ApplyPatch(patch map[string]any) {
	for key, value := range patch {
		if protectedKeys[key] || len(key) > 0 && key[0] == '_' {
			continue
		}
		switch key {
		case "execution_id":
			// immutable after init
		case "route":
			s.Route, _ = value.(string)
		case "trigger":
			if m, ok := toMap(value); ok {
				s.Trigger = m
			}
		case "user_context":
			if m, ok := toMap(value); ok {
				s.UserContext = m
			}
		case "loop":
			if lv, err := toLoopView(value); err == nil {
				s.Loop = lv
			}
		case "output":
			s.Output = value
		default:
			s.SetExtra(key, value)
		}
	}
}

// Merge applies a full component result using the typed per-key rules.
// Components returning the legacy format (a result containing
// node_outputs) get exactly these semantics for every key.
func (s *State) Merge(result map[string]any) error {
	for key, value := range result {
		switch key {
		case "execution_id":
			// immutable after init

		case "messages":
			msgs, err := ToMessages(value)
			if err != nil {
				return fmt.Errorf("invalid messages value: %w", err)
			}
			s.Messages = append(s.Messages, msgs...)

		case "node_outputs":
			m, ok := toMap(value)
			if !ok {
				return fmt.Errorf("node_outputs must be a map, got %T", value)
			}
			if s.NodeOutputs == nil {
				s.NodeOutputs = make(map[string]any)
			}
			for k, v := range m {
				s.NodeOutputs[k] = v
			}

		case "node_results":
			m, ok := toMap(value)
			if !ok {
				return fmt.Errorf("node_results must be a map, got %T", value)
			}
			existing, _ := toMap(s.extra["node_results"])
			if existing == nil {
				existing = make(map[string]any)
			}
			for k, v := range m {
				existing[k] = v
			}
			s.SetExtra("node_results", existing)

		case "trigger":
			if m, ok := toMap(value); ok {
				s.Trigger = m
			}

		case "route":
			s.Route, _ = value.(string)

		case "user_context":
			if m, ok := toMap(value); ok {
				s.UserContext = m
			}

		case "loop":
			lv, err := toLoopView(value)
			if err != nil {
				return fmt.Errorf("invalid loop value: %w", err)
			}
			s.Loop = lv

		case "output":
			s.Output = value

		case "_subworkflow_results":
			m, ok := toMap(value)
			if !ok {
				return fmt.Errorf("_subworkflow_results must be a map, got %T", value)
			}
			for k, v := range m {
				s.SetSubworkflowResult(k, v)
			}

		case "_loop_errors":
			m, ok := toMap(value)
			if !ok {
				return fmt.Errorf("_loop_errors must be a map, got %T", value)
			}
			for loopID, perNode := range m {
				nodeErrs, ok := toMap(perNode)
				if !ok {
					continue
				}
				for bodyNode, errInfo := range nodeErrs {
					s.RecordLoopError(loopID, bodyNode, errInfo)
				}
			}

		case "_execution_token_usage":
			usage, err := ToUsage(value)
			if err != nil {
				return fmt.Errorf("invalid _execution_token_usage value: %w", err)
			}
			s.TokenUsage.Add(usage)

		case "_resume_input":
			if str, ok := value.(string); ok {
				s.SetResumeInput(str)
			}

		default:
			s.SetExtra(key, value)
		}
	}
	return nil
}

// ExtractFinalOutput picks the execution's final output: state.output
// first, else the last AI message, else the node outputs, else the last
// message of any type. Returns nil when the execution produced nothing.
func (s *State) ExtractFinalOutput() map[string]any {
	if s.Output != nil {
		if m, ok := toMap(s.Output); ok {
			return m
		}
		return map[string]any{"output": s.Output}
	}
	if msg, ok := s.LastAIMessage(); ok {
		return map[string]any{"message": msg.Content}
	}
	if len(s.NodeOutputs) > 0 {
		return s.NodeOutputs
	}
	if msg, ok := s.LastMessage(); ok {
		return map[string]any{"message": msg.Content}
	}
	return nil
}

// ToMessages coerces a component-provided value into typed messages
func ToMessages(value any) ([]Message, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []Message:
		return v, nil
	case Message:
		return []Message{v}, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
}

// ToUsage coerces a component-provided value into a usage sample
func ToUsage(value any) (Usage, error) {
	switch v := value.(type) {
	case Usage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Usage{}, err
		}
		var usage Usage
		if err := json.Unmarshal(data, &usage); err != nil {
			return Usage{}, err
		}
		return usage, nil
	}
}

func toLoopView(value any) (*LoopView, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *LoopView:
		return v, nil
	case LoopView:
		return &v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var lv LoopView
		if err := json.Unmarshal(data, &lv); err != nil {
			return nil, err
		}
		return &lv, nil
	}
}

func toMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}
