package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrison/taskproof/internal/models"
)

func TestNewConsoleLogger(t *testing.T) {
	t.Run("with valid writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewConsoleLogger(buf, "DEBUG")

		if logger.writer != buf {
			t.Error("writer not set correctly")
		}
		if logger.logLevel != "debug" {
			t.Errorf("expected log level %q, got %q", "debug", logger.logLevel)
		}
		if logger.colorOutput {
			t.Error("buffers never get color")
		}
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger := NewConsoleLogger(nil, "loud")
		if logger.logLevel != "info" {
			t.Errorf("expected info, got %q", logger.logLevel)
		}
		logger.Infof("discarded %d", 1)
	})
}

func TestConsoleLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		wantDbg  bool
		wantInfo bool
		wantWarn bool
	}{
		{level: "debug", wantDbg: true, wantInfo: true, wantWarn: true},
		{level: "info", wantDbg: false, wantInfo: true, wantWarn: true},
		{level: "warn", wantDbg: false, wantInfo: false, wantWarn: true},
		{level: "error", wantDbg: false, wantInfo: false, wantWarn: false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := NewConsoleLogger(buf, tt.level)
			logger.Debugf("dbg")
			logger.Infof("inf")
			logger.Warnf("wrn")
			logger.Errorf("err")

			out := buf.String()
			if got := strings.Contains(out, "[DEBUG] dbg"); got != tt.wantDbg {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDbg)
			}
			if got := strings.Contains(out, "[INFO] inf"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(out, "[WARN] wrn"); got != tt.wantWarn {
				t.Errorf("warn logged = %v, want %v", got, tt.wantWarn)
			}
			if !strings.Contains(out, "[ERROR] err") {
				t.Error("error level must always be logged")
			}
		})
	}
}

func TestConsoleLogger_DomainHelpers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "info")

	logger.LogTransition("t1", models.StatusStartCountdown, models.StatusUploadingStart, "photo submitted")
	logger.LogGold(models.LedgerEntry{Key: "c1:start-timeout:1", TaskID: "t1", TaskLabel: "Run",
		Kind: models.LedgerPenalty, Amount: 10, Reason: models.ReasonStartTimeout})

	out := buf.String()
	if !strings.Contains(out, "task t1: start_countdown -> uploading_start (photo submitted)") {
		t.Errorf("transition line missing: %q", out)
	}
	if !strings.Contains(out, `gold -10 for "Run": start_timeout [c1:start-timeout:1]`) {
		t.Errorf("gold line missing: %q", out)
	}
}

func TestConsoleLogger_ConcurrentWrites(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "info")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Infof("line %d", n)
		}(i)
	}
	wg.Wait()

	if lines := strings.Count(buf.String(), "\n"); lines != 20 {
		t.Errorf("expected 20 lines, got %d", lines)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := map[time.Duration]string{
		-time.Second:                  "0s",
		9 * time.Second:               "9s",
		4*time.Minute + 5*time.Second: "4m05s",
		time.Hour + 2*time.Minute:     "1h02m",
	}
	for d, want := range tests {
		if got := FormatRemaining(d); got != want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestMultiLogger(t *testing.T) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	m := NewMultiLogger(NewConsoleLogger(a, "info"), nil, NewConsoleLogger(b, "info"))
	m.Warnf("store unavailable: %s", "disk full")

	for _, buf := range []*bytes.Buffer{a, b} {
		if !strings.Contains(buf.String(), "store unavailable: disk full") {
			t.Errorf("fan-out missing: %q", buf.String())
		}
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) must return a usable logger")
	}
}
