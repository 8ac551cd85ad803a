package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_VersionAndHelp(t *testing.T) {
	var out bytes.Buffer
	if code := Run([]string{"version"}, &out, &out); code != 0 {
		t.Fatalf("version exited %d", code)
	}
	if out.Len() == 0 {
		t.Error("version printed nothing")
	}

	out.Reset()
	if code := Run([]string{"help"}, &out, &out); code != 0 {
		t.Fatalf("help exited %d", code)
	}
	if !strings.Contains(out.String(), "sentryd") {
		t.Errorf("help output = %q, want it to mention sentryd", out.String())
	}
}

func TestRun_RejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	code := Run([]string{"frobnicate"}, &out, &out)
	if code == 0 {
		t.Fatal("expected non-zero exit for an unknown command")
	}
}

func TestRun_DoctorReportsWorkspaceLayout(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs", "plans"), 0o755); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if code := Run([]string{"doctor", root}, &out, &out); code != 0 {
		t.Fatalf("doctor exited %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "workspace root:") {
		t.Errorf("doctor output = %q, want workspace root summary", out.String())
	}
}

func TestRun_VerifyChainOnEmptyJournalIsValid(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs", "plans"), 0o755); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	code := Run([]string{"verify-chain", root}, &out, &out)
	if code != 0 {
		t.Fatalf("verify-chain exited %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "chain valid") {
		t.Errorf("verify-chain output = %q, want it to report a valid chain", out.String())
	}
}
