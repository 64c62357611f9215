// Package apphandler is reactorcore's reference business handler: it
// implements spec.md §6's Request/Response JSON exactly and is wired to
// internal/dbpool, exercising the full path from internal/ioengine's framed
// messages down to a leased MySQL connection and back. spec.md calls the
// handler "opaque" but does pin down this JSON shape under External
// Interfaces, so a conforming implementation is in scope rather than left to
// a caller's imagination.
//
// Grounded on the teacher's (JeelKantaria-db-bouncer) convention of keeping
// the wire-facing JSON schema in stdlib encoding/json — no ecosystem JSON
// library in the retrieved pack offers a clear win for a flat, five-field
// request/response shape — and on the pack's go-sql-driver/mysql-backed
// repos for query execution style against a *sql.Conn.
//
// Field validation is grounded on _examples/original_source/example/test.cpp
// (BusinessLogic::insert/select/update/remove), which checks field presence
// and JSON type via rapidjson's HasMember/IsInt/IsString and never the
// value itself — cmd absent is cmd_err, but Id:0 and Name:"" are valid,
// present values. Request is decoded into a raw field map first so "absent"
// and "present zero value" stay distinguishable, matching that behavior.
package apphandler

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/reactorcore/reactorcore/internal/dbpool"
)

// Command codes, per spec.md §6.
const (
	CmdInsert = 0
	CmdSelect = 1
	CmdUpdate = 2
	CmdDelete = 3
)

// Status strings, per spec.md §6/§7.
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusParamErr = "param_err"
	StatusSQLErr   = "sql_err"
	StatusCmdErr   = "cmd_err"
	StatusReqErr   = "req_err"
	StatusOtherErr = "other_err"
)

// request is the reference wire request, per spec.md §6, populated via
// parseRequest rather than a direct json.Unmarshal so field presence can be
// told apart from a present zero value.
type request struct {
	Timestamp int64
	Cmd       int
	HasCmd    bool
	ID        int
	HasID     bool
	Name      string
	HasName   bool
}

// response is the reference wire response, per spec.md §6.
type response struct {
	CliTimestamp int64    `json:"cli_timestamp"`
	Status       string   `json:"status"`
	Names        []string `json:"names,omitempty"`
}

// Handler executes the reference JSON protocol against a fixed backing
// table, leasing a connection from a dbpool.Pool per message. It satisfies
// internal/ioengine's Handler signature (body []byte, respond func([]byte)
// error).
type Handler struct {
	pool    *dbpool.Pool
	table   string
	timeout time.Duration
}

// New creates a Handler backed by pool, operating against table (the
// reference deployment's single backing table, with columns id and name).
func New(pool *dbpool.Pool, table string) *Handler {
	if table == "" {
		table = "items"
	}
	return &Handler{pool: pool, table: table, timeout: 5 * time.Second}
}

// Handle parses body as a request, dispatches it against the DB pool, and
// sends exactly one response via respond. Never panics: any failure below
// the JSON-parse stage is reported as a status string in the response body,
// per spec.md §7's "SQLError ... never propagates into the I/O engine".
func (h *Handler) Handle(body []byte, respond func([]byte) error) {
	resp := h.handle(body)
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error("apphandler: marshaling response failed", "err", err)
		return
	}
	if err := respond(out); err != nil {
		slog.Warn("apphandler: sending response failed", "err", err)
	}
}

// parseRequest decodes body into a raw field map first so a missing field
// can be told apart from one present with its zero value, then checks each
// field's presence and JSON type exactly the way the reference BusinessLogic
// does with HasMember/IsInt/IsString: ok reports whether timestamp itself
// was present and well-typed (the one field required before anything else
// can be validated).
func parseRequest(body []byte) (req request, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return request{}, false
	}

	ts, hasTimestamp := raw["timestamp"]
	if !hasTimestamp || json.Unmarshal(ts, &req.Timestamp) != nil {
		return request{}, false
	}

	if cmd, hasCmd := raw["cmd"]; hasCmd {
		var c int
		if json.Unmarshal(cmd, &c) == nil {
			req.Cmd = c
			req.HasCmd = true
		}
	}

	if id, hasID := raw["Id"]; hasID {
		var v int
		if json.Unmarshal(id, &v) == nil {
			req.ID = v
			req.HasID = true
		}
	}

	if name, hasName := raw["Name"]; hasName {
		var v string
		if json.Unmarshal(name, &v) == nil {
			req.Name = v
			req.HasName = true
		}
	}

	return req, true
}

func (h *Handler) handle(body []byte) response {
	req, ok := parseRequest(body)
	if !ok {
		return response{Status: StatusReqErr}
	}

	if !req.HasCmd {
		return response{CliTimestamp: req.Timestamp, Status: StatusCmdErr}
	}
	switch req.Cmd {
	case CmdInsert, CmdSelect, CmdUpdate, CmdDelete:
	default:
		return response{CliTimestamp: req.Timestamp, Status: StatusCmdErr}
	}

	if !req.HasID {
		return response{CliTimestamp: req.Timestamp, Status: StatusParamErr}
	}
	if (req.Cmd == CmdInsert || req.Cmd == CmdUpdate) && !req.HasName {
		return response{CliTimestamp: req.Timestamp, Status: StatusParamErr}
	}

	if h.pool == nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusOtherErr}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	conn, err := h.pool.CheckOut(ctx)
	if err != nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusOtherErr}
	}
	defer h.pool.CheckIn(conn)

	switch req.Cmd {
	case CmdInsert:
		return h.insert(ctx, conn.Raw, req)
	case CmdSelect:
		return h.selectRows(ctx, conn.Raw, req)
	case CmdUpdate:
		return h.update(ctx, conn.Raw, req)
	case CmdDelete:
		return h.deleteRow(ctx, conn.Raw, req)
	default:
		return response{CliTimestamp: req.Timestamp, Status: StatusCmdErr}
	}
}

func (h *Handler) insert(ctx context.Context, conn *sql.Conn, req request) response {
	_, err := conn.ExecContext(ctx, "INSERT INTO "+h.table+" (id, name) VALUES (?, ?)", req.ID, req.Name)
	return sqlResult(req.Timestamp, err)
}

func (h *Handler) update(ctx context.Context, conn *sql.Conn, req request) response {
	result, err := conn.ExecContext(ctx, "UPDATE "+h.table+" SET name = ? WHERE id = ?", req.Name, req.ID)
	if err != nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusSQLErr}
	}
	return response{CliTimestamp: req.Timestamp, Status: rowsAffectedStatus(result)}
}

func (h *Handler) deleteRow(ctx context.Context, conn *sql.Conn, req request) response {
	result, err := conn.ExecContext(ctx, "DELETE FROM "+h.table+" WHERE id = ?", req.ID)
	if err != nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusSQLErr}
	}
	return response{CliTimestamp: req.Timestamp, Status: rowsAffectedStatus(result)}
}

func (h *Handler) selectRows(ctx context.Context, conn *sql.Conn, req request) response {
	rows, err := conn.QueryContext(ctx, "SELECT name FROM "+h.table+" WHERE id = ?", req.ID)
	if err != nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusSQLErr}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return response{CliTimestamp: req.Timestamp, Status: StatusSQLErr}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return response{CliTimestamp: req.Timestamp, Status: StatusSQLErr}
	}
	if len(names) == 0 {
		return response{CliTimestamp: req.Timestamp, Status: StatusFail}
	}
	return response{CliTimestamp: req.Timestamp, Status: StatusOK, Names: names}
}

func sqlResult(ts int64, err error) response {
	if err != nil {
		return response{CliTimestamp: ts, Status: StatusSQLErr}
	}
	return response{CliTimestamp: ts, Status: StatusOK}
}

func rowsAffectedStatus(result sql.Result) string {
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return StatusFail
	}
	return StatusOK
}
