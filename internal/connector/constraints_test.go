package connector

import (
	"testing"

	"github.com/faucetdb/sluice/internal/model"
)

func TestCompileConstraintsNone(t *testing.T) {
	bc, err := CompileConstraints(&model.Endpoint{})
	if err != nil || bc != nil {
		t.Errorf("got %v, %v; want nil constraints", bc, err)
	}
	if bc.NeedsBody() {
		t.Error("nil constraints should not need the body")
	}
	if bc.Check([]byte("anything"), "text/plain") != nil {
		t.Error("nil constraints should accept any body")
	}
}

func TestBodyConstraints(t *testing.T) {
	e := &model.Endpoint{
		BodySchema: []byte(`{
			"type": "object",
			"required": ["city"],
			"properties": {"city": {"type": "string"}, "days": {"type": "integer", "maximum": 14}}
		}`),
		BodyBlacklist: []string{"api_key"},
	}
	bc, err := CompileConstraints(e)
	if err != nil {
		t.Fatalf("CompileConstraints: %v", err)
	}

	tests := []struct {
		name      string
		body      string
		ct        string
		wantField string
	}{
		{"valid", `{"city":"paris","days":3}`, "application/json", ""},
		{"missing required", `{"days":3}`, "application/json", "body"},
		{"out of range", `{"city":"paris","days":30}`, "application/json", "body"},
		{"blacklisted", `{"city":"paris","api_key":"x"}`, "application/json; charset=utf-8", "api_key"},
		{"invalid json", `{"city":`, "application/json", "body"},
		{"non json skipped", `city=paris`, "application/x-www-form-urlencoded", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := bc.Check([]byte(tt.body), tt.ct)
			if tt.wantField == "" {
				if fields != nil {
					t.Errorf("got %v, want no violations", fields)
				}
				return
			}
			if _, ok := fields[tt.wantField]; !ok {
				t.Errorf("got %v, want violation on %q", fields, tt.wantField)
			}
		})
	}
}

func TestBodyPattern(t *testing.T) {
	bc, err := CompileConstraints(&model.Endpoint{BodyPattern: `^v=0\r?\n`})
	if err != nil {
		t.Fatalf("CompileConstraints: %v", err)
	}
	if f := bc.Check([]byte("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"), "application/sdp"); f != nil {
		t.Errorf("SDP offer rejected: %v", f)
	}
	if f := bc.Check([]byte("hello"), "application/sdp"); f["body"] == "" {
		t.Error("expected pattern violation")
	}
}
