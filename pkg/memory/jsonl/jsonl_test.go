package jsonl_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/jsonl"
)

func intPtr(v int) *int { return &v }

func TestStore_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.jsonl")
	s, err := jsonl.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []memory.TurnRecord{
		{RunID: "r1", Speaker: "Agent A", Turn: 1, RawOutput: `{"reply":"hi"}`, Satisfaction: intPtr(60), Timestamp: ts, Reply: "hi", KeyPoints: []string{"a"}},
		{RunID: "r1", Speaker: "Agent B", Turn: 2, RawOutput: "not json", Timestamp: ts.Add(time.Second), ParseError: "no JSON object", Attempts: 2},
	}
	for _, r := range recs {
		if err := s.AppendTurn(ctx, r); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if err := s.FinishRun(ctx, memory.RunRecord{RunID: "r1"}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := jsonl.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].Satisfaction == nil || *got[0].Satisfaction != 60 || got[0].Reply != "hi" {
		t.Errorf("record 1 = %+v", got[0])
	}
	if got[1].Satisfaction != nil {
		t.Errorf("record 2 satisfaction = %v, want nil", *got[1].Satisfaction)
	}
	if !got[1].Timestamp.Equal(ts.Add(time.Second)) {
		t.Errorf("timestamp = %v", got[1].Timestamp)
	}
}

func TestStore_NullSatisfactionIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	s, err := jsonl.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.AppendTurn(context.Background(), memory.TurnRecord{RunID: "r", Speaker: "A", Turn: 1, RawOutput: "x"})
	_ = s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	for _, key := range []string{"run_id", "speaker", "turn", "raw_output", "satisfaction", "timestamp"} {
		if _, ok := line[key]; !ok {
			t.Errorf("line missing %q: %s", key, raw)
		}
	}
	if line["satisfaction"] != nil {
		t.Errorf("satisfaction = %v, want null", line["satisfaction"])
	}
	if !strings.HasSuffix(string(raw), "}\n") {
		t.Errorf("line not newline-terminated: %q", raw)
	}
}

func TestStore_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	for i := 1; i <= 2; i++ {
		s, err := jsonl.Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		_ = s.AppendTurn(context.Background(), memory.TurnRecord{RunID: "r", Turn: i})
		_ = s.Close()
	}
	got, err := jsonl.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 2 || got[1].Turn != 2 {
		t.Errorf("records = %+v", got)
	}
}

func TestStore_ClosedRejectsWrites(t *testing.T) {
	s, err := jsonl.Open(filepath.Join(t.TempDir(), "t.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := s.AppendTurn(context.Background(), memory.TurnRecord{}); err == nil {
		t.Error("AppendTurn after Close should fail")
	}
}

func TestRead_ReportsBadLine(t *testing.T) {
	_, err := jsonl.Read(strings.NewReader("{\"turn\":1}\n\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Errorf("err = %v, want line 3 error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	if got := jsonl.DefaultPath(ts); got != "transcript_20260102T020405Z.jsonl" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := jsonl.Open(""); err == nil {
		t.Error("expected error for empty path")
	}
}
