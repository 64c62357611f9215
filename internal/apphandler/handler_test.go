package apphandler

import (
	"encoding/json"
	"testing"
)

func decodeResponse(t *testing.T, body []byte) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestHandleBadJSON(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte("not json"), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusReqErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusReqErr)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":123,"cmd":99}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusCmdErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusCmdErr)
	}
	if resp.CliTimestamp != 123 {
		t.Errorf("cli_timestamp = %d, want 123", resp.CliTimestamp)
	}
}

func TestHandleMissingID(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":0,"Name":"a"}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusParamErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusParamErr)
	}
}

func TestHandleInsertMissingName(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":0,"Id":7}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusParamErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusParamErr)
	}
}

func TestHandleCmdAbsentIsCmdErrNotInsert(t *testing.T) {
	// cmd entirely missing must not silently fall through to the zero
	// value (CmdInsert) — it's a cmd_err, same as the original's
	// !doc.HasMember("cmd") check.
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"Id":7,"Name":"a"}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusCmdErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusCmdErr)
	}
}

func TestHandleCmdWrongTypeIsCmdErr(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":"insert","Id":7,"Name":"a"}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusCmdErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusCmdErr)
	}
}

func TestHandleIDZeroIsValidWhenPresent(t *testing.T) {
	// Id:0 is a present, well-typed integer — not a param error, even
	// though 0 is Go's int zero value. Matches the original's HasMember
	// ("Id") && IsInt() check, which never inspects the value.
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":1,"Id":0}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusOtherErr {
		t.Errorf("status = %q, want %q (pool is nil, but Id:0 should pass validation)", resp.Status, StatusOtherErr)
	}
}

func TestHandleNameEmptyIsValidWhenPresent(t *testing.T) {
	// Name:"" is a present, well-typed string — not a param error.
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":0,"Id":7,"Name":""}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusOtherErr {
		t.Errorf("status = %q, want %q (pool is nil, but Name:\"\" should pass validation)", resp.Status, StatusOtherErr)
	}
}

func TestHandleDeleteDoesNotRequireName(t *testing.T) {
	// Delete only needs Id; without a pool wired it should reach the
	// other_err path rather than param_err, proving Name isn't required.
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":5,"cmd":3,"Id":7}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusOtherErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusOtherErr)
	}
}

func TestHandleNilPoolReturnsOtherErr(t *testing.T) {
	h := New(nil, "")

	var got []byte
	h.Handle([]byte(`{"timestamp":42,"cmd":1,"Id":7}`), func(b []byte) error {
		got = b
		return nil
	})

	resp := decodeResponse(t, got)
	if resp.Status != StatusOtherErr {
		t.Errorf("status = %q, want %q", resp.Status, StatusOtherErr)
	}
	if resp.CliTimestamp != 42 {
		t.Errorf("cli_timestamp = %d, want 42", resp.CliTimestamp)
	}
}

func TestHandleDefaultsTableName(t *testing.T) {
	h := New(nil, "")
	if h.table != "items" {
		t.Errorf("table = %q, want default %q", h.table, "items")
	}

	h2 := New(nil, "custom_table")
	if h2.table != "custom_table" {
		t.Errorf("table = %q, want %q", h2.table, "custom_table")
	}
}

func TestHandleRespondErrorDoesNotPanic(t *testing.T) {
	h := New(nil, "")
	h.Handle([]byte(`{"timestamp":1,"cmd":99}`), func(b []byte) error {
		return errRespond
	})
}

var errRespond = respondError("simulated write failure")

type respondError string

func (e respondError) Error() string { return string(e) }
