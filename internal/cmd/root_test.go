package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	if cmd == nil {
		t.Fatal("Root command should not be nil")
	}

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Logf("Help command returned error (this is ok): %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "taskproof") {
		t.Errorf("Help text should contain 'taskproof', got: %s", output)
	}
	if !strings.Contains(output, "photo") {
		t.Errorf("Help text should mention photo verification, got: %s", output)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != "taskproof" {
		t.Errorf("Expected Use to be 'taskproof', got '%s'", cmd.Use)
	}

	want := []string{"serve", "plan", "tasks", "enable", "disable", "open", "submit", "cancel", "restart", "bypass", "status", "ledger"}
	have := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		have[sub.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}

func TestRootCommandPersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"config", "env-file", "log-level", "log-dir", "data-dir", "store"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Expected persistent flag --%s", name)
		}
	}
}

func TestVersionIsSet(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if NewRootCommand().Version != Version {
		t.Error("Root command should report Version")
	}
}
