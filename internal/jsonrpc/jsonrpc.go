// Package jsonrpc implements a JSON-RPC 2.0 request/response envelope over
// the dispatch core, mirroring RPCTableExecutor::ProcessRPC: parse the
// body, look the method up in a command table, execute it, and shape
// either a result or an error envelope — singly or as a batch.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Error codes from the JSON-RPC 2.0 spec, matching the RPC_* constants
// the original maps HTTP statuses from.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error for the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is a single JSON-RPC request object.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// Response is a single JSON-RPC response object: exactly one of Result or
// Error is populated.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// CommandFunc executes one RPC method against its raw params and returns
// a JSON-marshalable result or an error. resource is the per-worker
// collaborator the owning pod constructed for the goroutine executing
// this call (in practice a database connection); commands that don't
// need one simply ignore the argument.
type CommandFunc func(params json.RawMessage, resource any) (any, error)

// Table maps method names to their implementations.
type Table map[string]CommandFunc

// httpStatus mirrors JSONErrorReply's status mapping: most RPC errors are
// 500s, but a bad request or an unknown method get their natural HTTP
// status so proxies and browsers see something sensible.
func httpStatus(code int) int {
	switch code {
	case CodeInvalidRequest, CodeParseError, CodeInvalidParams:
		return 400
	case CodeMethodNotFound:
		return 404
	default:
		return 500
	}
}

// Execute runs one already-parsed request against table, passing resource
// through to the matched command.
func (t Table) Execute(req Request, resource any) Response {
	resp := Response{ID: req.ID}

	fn, ok := t[req.Method]
	if !ok {
		resp.Error = NewError(CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
		return resp
	}

	result, err := fn(req.Params, resource)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			resp.Error = rpcErr
			return resp
		}
		resp.Error = NewError(CodeInternalError, err.Error())
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewError(CodeInternalError, "marshal result: "+err.Error())
		return resp
	}
	resp.Result = raw
	return resp
}

// ProcessBody parses body as either a single request object or a batch
// array, executes every request against table (passing resource through
// to each command), and returns the response body to write plus the
// HTTP status to send it with.
//
// A malformed top-level body produces a single parse-error envelope with
// a null id, same as the original's fallback when UniValue::read fails.
func ProcessBody(body []byte, table Table, resource any) ([]byte, int) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return errorEnvelope(NewError(CodeParseError, "parse error"), nil)
	}

	trimmed := firstNonSpace(raw)
	switch trimmed {
	case '[':
		var batch []Request
		if err := json.Unmarshal(raw, &batch); err != nil {
			return errorEnvelope(NewError(CodeInvalidRequest, "invalid batch request"), nil)
		}
		responses := make([]Response, 0, len(batch))
		for _, req := range batch {
			responses = append(responses, table.Execute(req, resource))
		}
		out, err := json.Marshal(responses)
		if err != nil {
			return errorEnvelope(NewError(CodeInternalError, "marshal batch response"), nil)
		}
		return out, 200
	case '{':
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return errorEnvelope(NewError(CodeInvalidRequest, "invalid request object"), nil)
		}
		resp := table.Execute(req, resource)
		out, err := json.Marshal(resp)
		if err != nil {
			return errorEnvelope(NewError(CodeInternalError, "marshal response"), nil)
		}
		status := 200
		if resp.Error != nil {
			status = httpStatus(resp.Error.Code)
		}
		return out, status
	default:
		return errorEnvelope(NewError(CodeParseError, "top-level value must be an object or array"), nil)
	}
}

func errorEnvelope(rpcErr *Error, id json.RawMessage) ([]byte, int) {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := Response{Error: rpcErr, ID: id}
	out, _ := json.Marshal(resp)
	return out, httpStatus(rpcErr.Code)
}

func firstNonSpace(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
