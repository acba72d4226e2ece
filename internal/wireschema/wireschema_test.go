package wireschema

import (
	"encoding/json"
	"testing"
)

func compileFrame(t *testing.T) *Validator {
	t.Helper()
	v, err := Compile("mem://test/frame.json", FrameSchemaDoc([]string{"register", "heartbeat", "ask_pm", "task_complete", "request"}))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func compileEnvelope(t *testing.T) *Validator {
	t.Helper()
	v, err := Compile("mem://test/envelope.json", EnvelopeSchemaDoc([]string{"request", "response", "query", "task_delegate", "broadcast", "notify"}))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestFrameSchemaRequiresSessionID(t *testing.T) {
	v := compileFrame(t)
	if err := v.Validate([]byte(`{"type":"heartbeat"}`)); err == nil {
		t.Fatal("expected heartbeat without sessionId to fail")
	}
	if err := v.Validate([]byte(`{"type":"heartbeat","sessionId":"S-1"}`)); err != nil {
		t.Fatalf("expected valid heartbeat, got %v", err)
	}
}

func TestFrameSchemaPressureRange(t *testing.T) {
	v := compileFrame(t)
	if err := v.Validate([]byte(`{"type":"heartbeat","sessionId":"S-1","pressure":1.5}`)); err == nil {
		t.Fatal("expected out-of-range pressure to fail")
	}
	if err := v.Validate([]byte(`{"type":"heartbeat","sessionId":"S-1","pressure":0.5}`)); err != nil {
		t.Fatalf("expected in-range pressure to pass, got %v", err)
	}
}

func TestFrameSchemaPerTypeRequirements(t *testing.T) {
	v := compileFrame(t)
	cases := []struct {
		doc  string
		want bool
	}{
		{`{"type":"ask_pm","sessionId":"S-1"}`, false},
		{`{"type":"ask_pm","sessionId":"S-1","question":"how?"}`, true},
		{`{"type":"task_complete","sessionId":"S-1"}`, false},
		{`{"type":"task_complete","sessionId":"S-1","taskId":"T-1"}`, true},
		{`{"type":"request","sessionId":"S-1"}`, false},
		{`{"type":"request","sessionId":"S-1","toRole":"reviewer"}`, true},
		{`{"type":"unknown","sessionId":"S-1"}`, false},
	}
	for _, tc := range cases {
		err := v.Validate([]byte(tc.doc))
		if (err == nil) != tc.want {
			t.Errorf("doc %s: valid=%v, want %v (err=%v)", tc.doc, err == nil, tc.want, err)
		}
	}
}

func TestEnvelopeSchemaAddressingAndCorrelation(t *testing.T) {
	v := compileEnvelope(t)
	cases := []struct {
		doc  string
		want bool
	}{
		{`{"type":"response","from":"a","priority":"normal"}`, false},
		{`{"type":"response","from":"a","priority":"normal","correlation_id":"C-1"}`, true},
		{`{"type":"request","from":"a","priority":"blocking"}`, false},
		{`{"type":"request","from":"a","priority":"blocking","to":"b"}`, true},
		{`{"type":"task_delegate","from":"a","priority":"normal","to_agent":"b"}`, true},
		{`{"type":"broadcast","from":"a","priority":"bogus"}`, false},
		{`{"type":"notify","from":"","priority":"fyi"}`, false},
	}
	for _, tc := range cases {
		err := v.Validate([]byte(tc.doc))
		if (err == nil) != tc.want {
			t.Errorf("doc %s: valid=%v, want %v (err=%v)", tc.doc, err == nil, tc.want, err)
		}
	}
}

func TestValidateRejectsUndecodableInput(t *testing.T) {
	v := compileEnvelope(t)
	if err := v.Validate([]byte(`{broken`)); err == nil {
		t.Fatal("expected decode failure")
	}
	var js json.RawMessage = []byte(`null`)
	if err := v.Validate(js); err == nil {
		t.Fatal("expected null document to fail the object schema")
	}
}
