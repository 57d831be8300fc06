package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// JSON-RPC error codes.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

const jsonrpcVersion = "2.0"

var nullID = json.RawMessage("null")

type (
	// Request is a decoded JSON-RPC request or notification. ID is kept in
	// its raw form so it is echoed back byte for byte.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Response is a JSON-RPC response. Exactly one of Result and Error is
	// set.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}

	// RPCError is the error member of a response.
	RPCError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}
)

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// DecodeRequest parses one envelope. Malformed input yields the error
// response to send back instead of a request.
func DecodeRequest(data []byte) (*Request, *Response) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, errorResponse(nil, CodeInvalidRequest, "batch requests are not supported")
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, errorResponse(nil, CodeParseError, "parse error: "+err.Error())
	}
	id := bytes.TrimSpace(req.ID)
	if bytes.Equal(id, nullID) {
		id = nil
	}
	if len(id) > 0 && id[0] != '"' && (id[0] < '0' || id[0] > '9') && id[0] != '-' {
		return nil, errorResponse(nil, CodeInvalidRequest, "id must be a string or a number")
	}
	req.ID = id
	if req.JSONRPC != jsonrpcVersion {
		return nil, errorResponse(req.ID, CodeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

// okResponse returns a success response to req.
func okResponse(req *Request, v any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: v}
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// Encode returns the single-line wire form of resp.
func (resp *Response) Encode() []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "encode response: "+err.Error()))
	}
	return data
}
