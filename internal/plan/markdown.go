package plan

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var (
	taskHeadingRegex = regexp.MustCompile(`^Task\s+([A-Za-z0-9_.-]+):\s+(.+)$`)
	metadataRegex    = regexp.MustCompile(`^\s*(?:[-*]\s+)?\*\*([^*]+)\*\*:?\s*:?\s*(.*)$`)
)

// MarkdownParser reads plans written as "## Task <id>: <title>" sections
// with "**Key**: value" metadata lines and optional YAML frontmatter.
type MarkdownParser struct {
	markdown goldmark.Markdown
}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{markdown: goldmark.New()}
}

func (p *MarkdownParser) Parse(r io.Reader) (*Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var h header
	content, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		if err := yaml.Unmarshal(frontmatter, &h); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
	}

	doc := p.markdown.Parser().Parse(text.NewReader(content))
	specs, title, err := extractTasks(doc, content)
	if err != nil {
		return nil, fmt.Errorf("failed to extract tasks: %w", err)
	}
	if h.Title == "" {
		h.Title = title
	}
	return build(h, specs)
}

// extractTasks walks the AST. Level-1 headings name the plan, level-2
// "Task" headings open a task and metadata lines in paragraphs and list
// items below them fill it in. Code blocks are never paragraphs, so
// examples inside fences are ignored.
func extractTasks(doc ast.Node, source []byte) ([]taskSpec, string, error) {
	var (
		specs   []taskSpec
		current *taskSpec
		title   string
	)
	flush := func() {
		if current != nil {
			specs = append(specs, *current)
			current = nil
		}
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			headingText := strings.TrimSpace(extractText(node, source))
			if node.Level == 1 && title == "" {
				title = headingText
				return ast.WalkSkipChildren, nil
			}
			if node.Level != 2 {
				return ast.WalkSkipChildren, nil
			}
			flush()
			if m := taskHeadingRegex.FindStringSubmatch(headingText); m != nil {
				current = &taskSpec{ID: m[1], Title: strings.TrimSpace(m[2])}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			if current == nil {
				return ast.WalkSkipChildren, nil
			}
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				if err := applyMetadata(current, string(seg.Value(source))); err != nil {
					return ast.WalkStop, fmt.Errorf("task %s: %w", current.ID, err)
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, "", err
	}
	flush()
	return specs, title, nil
}

// applyMetadata parses one "**Key**: value" line. Other lines are prose.
func applyMetadata(spec *taskSpec, line string) error {
	m := metadataRegex.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil
	}
	key := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(m[1], ":")))
	value := strings.TrimSpace(m[2])

	switch key {
	case "start", "starts":
		spec.Start = value
	case "duration":
		spec.Duration = value
	case "gold", "reward", "gold reward":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid gold %q", value)
		}
		spec.Gold = &n
	case "verify", "verification":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		spec.Verify = &b
	case "start keywords":
		spec.StartKeywords = splitList(value)
	case "completion keywords", "complete keywords":
		spec.CompletionKeywords = splitList(value)
	case "threshold", "match threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid threshold %q", value)
		}
		spec.MatchThreshold = f
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "on", "photo":
		return true, nil
	case "no", "n", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid yes/no value %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), "`\"")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
		default:
			buf.WriteString(extractText(c, source))
		}
	}
	return buf.String()
}

// extractFrontmatter splits a leading "---" delimited YAML block from the body.
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			return bytes.Join(lines[i+1:], []byte("\n")), bytes.Join(lines[1:i], []byte("\n"))
		}
	}
	return content, nil
}
