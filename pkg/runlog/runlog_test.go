package runlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEvent_New(t *testing.T) {
	event := NewEvent("run-1", "NODES_PREPARED", "node.prepare")

	if event.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", event.RunID, "run-1")
	}
	if event.Phase != "NODES_PREPARED" {
		t.Errorf("Phase = %q, want %q", event.Phase, "NODES_PREPARED")
	}
	if event.Operation != "node.prepare" {
		t.Errorf("Operation = %q, want %q", event.Operation, "node.prepare")
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestEvent_Chaining(t *testing.T) {
	event := NewEvent("run-1", "LINKS_UP", "link.realize").
		WithNode("leaf1").
		WithLink("leaf1:eth0<->spine1:eth0").
		WithSuccess().
		WithDuration(time.Second)

	if event.Node != "leaf1" {
		t.Errorf("Node = %q", event.Node)
	}
	if event.Link == "" {
		t.Error("Link should be set")
	}
	if !event.Success {
		t.Error("Success should be true")
	}
	if event.Duration != time.Second {
		t.Errorf("Duration = %v", event.Duration)
	}
}

func TestEvent_WithError(t *testing.T) {
	event := NewEvent("run-1", "NODES_PREPARED", "node.prepare").
		WithError(errors.New("boom"))

	if event.Success {
		t.Error("Success should be false")
	}
	if event.Error != "boom" {
		t.Errorf("Error = %q", event.Error)
	}

	event2 := NewEvent("run-1", "PLANNED", "x").WithError(nil)
	if event2.Error != "" {
		t.Errorf("Error should be empty with nil error, got %q", event2.Error)
	}
}

func TestFileLogger_Basic(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "runlog-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logPath := filepath.Join(tmpDir, "runlog.jsonl")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	event := NewEvent("run-1", "NODES_RUNNING", "node.start").WithNode("leaf1").WithSuccess()
	if err := logger.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Node != "leaf1" {
		t.Errorf("Node = %q, want %q", events[0].Node, "leaf1")
	}
}

func TestFileLogger_QueryFilters(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "runlog-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logPath := filepath.Join(tmpDir, "runlog.jsonl")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	events := []*Event{
		NewEvent("run-1", "NODES_PREPARED", "node.prepare").WithNode("leaf1").WithSuccess(),
		NewEvent("run-1", "LINKS_UP", "link.realize").WithNode("leaf1").WithSuccess(),
		NewEvent("run-1", "NODES_RUNNING", "node.start").WithNode("spine1").WithError(errors.New("fail")),
		NewEvent("run-2", "NODES_PREPARED", "node.prepare").WithNode("leaf1").WithSuccess(),
	}
	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	t.Run("filter by run", func(t *testing.T) {
		results, _ := logger.Query(Filter{RunID: "run-1"})
		if len(results) != 3 {
			t.Errorf("Expected 3 events for run-1, got %d", len(results))
		}
	})

	t.Run("filter by node", func(t *testing.T) {
		results, _ := logger.Query(Filter{Node: "leaf1"})
		if len(results) != 3 {
			t.Errorf("Expected 3 events for leaf1, got %d", len(results))
		}
	})

	t.Run("filter success only", func(t *testing.T) {
		results, _ := logger.Query(Filter{SuccessOnly: true})
		if len(results) != 3 {
			t.Errorf("Expected 3 successful events, got %d", len(results))
		}
	})

	t.Run("filter failure only", func(t *testing.T) {
		results, _ := logger.Query(Filter{FailureOnly: true})
		if len(results) != 1 {
			t.Errorf("Expected 1 failed event, got %d", len(results))
		}
	})
}

func TestFileLogger_QueryNonExistent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "runlog-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logger, err := NewFileLogger(filepath.Join(tmpDir, "other.jsonl"), RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	logger.path = filepath.Join(tmpDir, "nonexistent.jsonl")
	results, err := logger.Query(Filter{})
	if err != nil {
		t.Errorf("Query on non-existent should not error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected 0 events, got %d", len(results))
	}
}

func TestFileLogger_QueryMalformedJSON(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "runlog-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logPath := filepath.Join(tmpDir, "runlog.jsonl")
	content := `{"run_id":"run-1","phase":"PLANNED","operation":"x","success":true}
invalid json line
{"run_id":"run-1","phase":"PLANNED","operation":"y","success":true}
`
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test data: %v", err)
	}

	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	results, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 valid events, got %d", len(results))
	}
}

func TestFileLogger_LogRotation(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "runlog-rotation-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logPath := filepath.Join(tmpDir, "runlog.jsonl")
	logger, err := NewFileLogger(logPath, RotationConfig{MaxSize: 100, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		event := NewEvent("run-1", "NODES_RUNNING", "node.start").WithNode("leaf1").WithSuccess()
		if err := logger.Log(event); err != nil {
			t.Fatalf("Log failed on iteration %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "runlog.jsonl.*"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Error("Expected rotation to create backup files")
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultLogger(nil)

	if err := Log(NewEvent("run-1", "PLANNED", "x")); err != nil {
		t.Errorf("Log with nil default should not error: %v", err)
	}
	results, err := Query(Filter{})
	if err != nil {
		t.Errorf("Query with nil default should not error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected 0 results, got %d", len(results))
	}

	tmpDir, err := os.MkdirTemp("", "runlog-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logger, err := NewFileLogger(filepath.Join(tmpDir, "runlog.jsonl"), RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()
	SetDefaultLogger(logger)

	if err := Log(NewEvent("run-1", "PLANNED", "x").WithSuccess()); err != nil {
		t.Errorf("Log failed: %v", err)
	}
	results, err = Query(Filter{})
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result, got %d", len(results))
	}

	SetDefaultLogger(nil)
}
