package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDistributionTaskSchema(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	cases := []struct {
		name    string
		payload map[string]interface{}
		valid   bool
	}{
		{"distribute with targets", map[string]interface{}{"task_id": "t1", "kind": "distribute", "targets": []string{"@a"}, "requested_at": now}, true},
		{"redistribute", map[string]interface{}{"task_id": "t2", "kind": "redistribute", "requested_by": "ops@example.com", "requested_at": now}, true},
		{"remove session", map[string]interface{}{"task_id": "t3", "kind": "remove_session", "phone_number": "+100", "requested_at": now}, true},
		{"remove session without phone", map[string]interface{}{"task_id": "t4", "kind": "remove_session", "requested_at": now}, false},
		{"unknown kind", map[string]interface{}{"task_id": "t5", "kind": "rebalance", "requested_at": now}, false},
		{"missing task id", map[string]interface{}{"kind": "clean_duplicates", "requested_at": now}, false},
		{"unexpected field", map[string]interface{}{"task_id": "t6", "kind": "clean_duplicates", "requested_at": now, "extra": 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			err = reg.Validate(EventDistributionTask, PayloadV1, data)
			if tc.valid && err != nil {
				t.Fatalf("expected valid payload, got %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateUnknownVersion(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	if err := reg.Validate(EventDistributionTask, "v9", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered version")
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: EventDistributionTask, PayloadVersion: PayloadV1}
	if err := env.ValidateBasic(); err == nil {
		t.Fatalf("expected error for empty data")
	}
	env.Data = json.RawMessage(`{"task_id":"t1"}`)
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be defaulted")
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	var doc struct {
		TaskID string `json:"task_id"`
	}
	if err := back.Decode(&doc); err != nil || doc.TaskID != "t1" {
		t.Fatalf("Decode = %+v, %v", doc, err)
	}
}
