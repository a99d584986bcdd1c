// Package plan reads daily task plans from Markdown or YAML files and
// imports them into the task store together with their verification configs.
package plan

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/store"
)

// Format represents the format of a plan file
type Format int

const (
	// FormatUnknown represents an unknown or unsupported file format
	FormatUnknown Format = iota
	// FormatMarkdown represents a Markdown (.md, .markdown) plan file
	FormatMarkdown
	// FormatYAML represents a YAML (.yaml, .yml) plan file
	FormatYAML
)

// String returns the string representation of the Format
func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// Parser is the interface that all plan parsers must implement
type Parser interface {
	Parse(r io.Reader) (*Plan, error)
}

// Plan is a parsed set of tasks for one day.
type Plan struct {
	Title    string
	Date     time.Time
	Defaults Defaults
	Entries  []Entry
	FilePath string
}

// Defaults apply to every task that leaves a field unset.
type Defaults struct {
	DurationMinutes int     `yaml:"duration_minutes"`
	GoldReward      int     `yaml:"gold_reward"`
	Verify          bool    `yaml:"verify"`
	MatchThreshold  float64 `yaml:"match_threshold"`
}

// Entry is one planned task. Verification is nil when photo proof is off.
type Entry struct {
	Task         models.Task
	Verification *models.VerificationConfig
}

// header is the shared frontmatter / top-level YAML section.
type header struct {
	Title    string   `yaml:"title"`
	Date     string   `yaml:"date"`
	Timezone string   `yaml:"timezone"`
	Defaults Defaults `yaml:"defaults"`
}

// taskSpec is a task as written in a plan, before defaults are applied.
type taskSpec struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Start              string   `yaml:"start"`
	Duration           string   `yaml:"duration"`
	Gold               *int     `yaml:"gold"`
	Verify             *bool    `yaml:"verify"`
	StartKeywords      []string `yaml:"start_keywords"`
	CompletionKeywords []string `yaml:"completion_keywords"`
	MatchThreshold     float64  `yaml:"match_threshold"`
}

// DetectFormat automatically detects the plan format based on file extension
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// NewParser creates a new parser instance for the specified format
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownParser(), nil
	case FormatYAML:
		return NewYAMLParser(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// ParseFile detects the format from the extension and parses the file.
func ParseFile(path string) (*Plan, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unknown file format: %s (supported: .md, .markdown, .yaml, .yml)", path)
	}
	parser, err := NewParser(format)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	p, err := parser.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	p.FilePath = absPath
	return p, nil
}

// build applies defaults and resolves times for all specs.
func build(h header, specs []taskSpec) (*Plan, error) {
	loc := time.Local
	if h.Timezone != "" {
		l, err := time.LoadLocation(h.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", h.Timezone, err)
		}
		loc = l
	}
	var date time.Time
	if h.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", h.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", h.Date, err)
		}
		date = d
	}

	p := &Plan{Title: h.Title, Date: date, Defaults: h.Defaults}
	seen := make(map[string]bool)
	for i, spec := range specs {
		entry, err := spec.entry(h.Defaults, date, loc)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i+1, spec.ID, err)
		}
		if seen[entry.Task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", entry.Task.ID)
		}
		seen[entry.Task.ID] = true
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

func (s taskSpec) entry(def Defaults, date time.Time, loc *time.Location) (Entry, error) {
	task := models.Task{
		ID:              strings.TrimSpace(s.ID),
		Title:           strings.TrimSpace(s.Title),
		DurationMinutes: def.DurationMinutes,
		GoldReward:      def.GoldReward,
		Status:          models.TaskPending,
	}
	if s.Duration != "" {
		minutes, err := parseMinutes(s.Duration)
		if err != nil {
			return Entry{}, err
		}
		task.DurationMinutes = minutes
	}
	if s.Gold != nil {
		task.GoldReward = *s.Gold
	}
	if s.Start != "" {
		start, err := parseStart(s.Start, date, loc)
		if err != nil {
			return Entry{}, err
		}
		task.ScheduledStart = start
		task.ScheduledEnd = start.Add(task.Duration())
	}
	if err := task.Validate(); err != nil {
		return Entry{}, err
	}

	verify := def.Verify
	if s.Verify != nil {
		verify = *s.Verify
	}
	entry := Entry{Task: task}
	if !verify {
		return entry, nil
	}
	cfg := &models.VerificationConfig{
		Enabled:            true,
		StartKeywords:      s.StartKeywords,
		CompletionKeywords: s.CompletionKeywords,
		MatchThreshold:     def.MatchThreshold,
	}
	if s.MatchThreshold > 0 {
		cfg.MatchThreshold = s.MatchThreshold
	}
	if err := cfg.Validate(); err != nil {
		return Entry{}, err
	}
	entry.Verification = cfg
	return entry, nil
}

// parseMinutes accepts Go durations ("45m", "1h30m") or bare minutes ("45").
func parseMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return int(d / time.Minute), nil
}

// parseStart accepts RFC 3339 timestamps or a clock time on the plan date.
func parseStart(s string, date time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	clockTime, err := time.ParseInLocation("15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start %q (want HH:MM or RFC 3339)", s)
	}
	if date.IsZero() {
		return time.Time{}, fmt.Errorf("start %q needs a plan date", s)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), clockTime.Hour(), clockTime.Minute(), 0, 0, loc), nil
}

// ImportResult summarizes an import.
type ImportResult struct {
	Tasks    int
	Verified int
}

// Writer is the subset of the store an import needs.
type Writer interface {
	PutTask(ctx context.Context, task *models.Task) error
	PutVerificationConfig(ctx context.Context, taskID string, cfg models.VerificationConfig) error
}

// Import upserts every task and its verification config.
func Import(ctx context.Context, w Writer, p *Plan) (ImportResult, error) {
	var res ImportResult
	for _, e := range p.Entries {
		task := e.Task
		if err := w.PutTask(ctx, &task); err != nil {
			return res, fmt.Errorf("import task %s: %w", task.ID, err)
		}
		res.Tasks++
		if e.Verification == nil {
			continue
		}
		if err := w.PutVerificationConfig(ctx, task.ID, *e.Verification); err != nil {
			return res, fmt.Errorf("import verification config %s: %w", task.ID, err)
		}
		res.Verified++
	}
	return res, nil
}

var _ Writer = (store.Backend)(nil)
