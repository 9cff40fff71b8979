// Package command wires a jsonrpc.Table into the dispatch core as a
// dispatch.Handler, and ships the illustrative command-table entries
// (ping, getinfo, dbping) a deployment would extend with its real RPC surface.
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nodecore/socialnode/internal/dbconn"
	"github.com/nodecore/socialnode/internal/dispatch"
	"github.com/nodecore/socialnode/internal/jsonrpc"
)

// TableHandler adapts a jsonrpc.Table into a dispatch.Handler. Each
// request's body is read once and handed to jsonrpc.ProcessBody; the
// resulting envelope is written back with a JSON content-type header.
type TableHandler struct {
	table jsonrpc.Table
}

// NewTableHandler builds a TableHandler serving table.
func NewTableHandler(table jsonrpc.Table) *TableHandler {
	return &TableHandler{table: table}
}

// Exec implements dispatch.Handler. resource is the per-worker
// dbconn.Conn the owning pod constructed for this goroutine; it is
// passed straight through to whichever command the request names.
func (h *TableHandler) Exec(_ context.Context, _ string, req *dispatch.Request, reply dispatch.ReplyGateway, resource any) {
	body := req.ReadBody()
	if body == nil {
		reply.WriteHeader("Content-Type", "application/json")
		out, _ := json.Marshal(jsonrpc.Response{Error: jsonrpc.NewError(jsonrpc.CodeParseError, "body already consumed")})
		reply.WriteReply(400, out)
		return
	}

	out, status := jsonrpc.ProcessBody(body, h.table, resource)
	reply.WriteHeader("Content-Type", "application/json")
	reply.WriteReply(status, out)
}

// BuildInfo carries the fields the illustrative getinfo command reports.
type BuildInfo struct {
	Version string
	Height  func() int
}

// DefaultTable builds the illustrative ping/getinfo/dbping command
// table. Real deployments register their own methods; these exist to
// prove the wiring end to end. dbping exercises the per-worker
// dbconn.Conn the owning pod constructed for the goroutine executing
// the call — the resource argument TableHandler.Exec receives from
// Pod.Process — rather than opening a connection of its own, so the
// pod's resource factory has an actual consumer.
func DefaultTable(info BuildInfo) jsonrpc.Table {
	return jsonrpc.Table{
		"ping": func(json.RawMessage, any) (any, error) {
			return "pong", nil
		},
		"getinfo": func(json.RawMessage, any) (any, error) {
			height := 0
			if info.Height != nil {
				height = info.Height()
			}
			return map[string]any{
				"version": info.Version,
				"height":  height,
				"time":    time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
		"dbping": func(_ json.RawMessage, resource any) (any, error) {
			conn, ok := resource.(dbconn.Conn)
			if !ok {
				return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "no database connection available on this worker")
			}
			if _, err := conn.Exec(context.Background(), "SELECT 1"); err != nil {
				return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "exec: "+err.Error())
			}
			return "ok", nil
		},
	}
}
