package router

import (
	"encoding/json"

	"github.com/skilder-ai/toolgate/store"
)

type (
	// CallRequest is published on the target subject for each tool call.
	// The bus message ID is the tool call ID.
	CallRequest struct {
		ToolName   string          `json:"toolName"`
		ProviderID string          `json:"providerId"`
		SessionID  string          `json:"sessionId"`
		Arguments  json.RawMessage `json:"arguments,omitempty"`
	}

	// CallReply is published by the executing runtime on the call reply
	// subject.
	CallReply struct {
		// Status is COMPLETED when the tool ran, FAILED when the runtime
		// could not run it.
		Status store.CallStatus `json:"status"`
		// RuntimeID identifies the runtime that executed the call.
		RuntimeID string `json:"runtimeId,omitempty"`
		// Output is the tool result as returned by the provider.
		Output json.RawMessage  `json:"output,omitempty"`
		Error  *store.CallError `json:"error,omitempty"`
	}
)
