package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("usage not printed: %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"frobnicate"}); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-frobnicate"}); err == nil {
		t.Error("unknown flag accepted")
	}
}

func TestRunBadLimit(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-limit", "many", "sync"}); err == nil {
		t.Error("non-numeric limit accepted")
	}
	if err := run(context.Background(), &out, &errOut, []string{"-limit=-5", "sync"}); err == nil {
		t.Error("negative limit accepted")
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-o", "yaml", "version"}); err == nil {
		t.Error("bad output format accepted")
	}
}

func TestRunVersionText(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "helpdesk-sync") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(out.String()), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunSyncMissingConfig(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), &out, &errOut, []string{"-config", "/nonexistent/config.yaml", "sync"})
	if err == nil {
		t.Error("sync with missing config succeeded")
	}
}
