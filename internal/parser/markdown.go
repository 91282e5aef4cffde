package parser

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/rymfhm/qubic/internal/models"
)

// MarkdownParser parses Markdown plan files:
//
//	---
//	plan_id: transfer-demo
//	---
//	## Step 1: check_balance
//	```yaml
//	wallet_address: "0x1234567890abcdef"
//	```
//	## Step 3: onchain_action
//	**Requires approval**: yes
//
// Each level-2 "Step <id>: <type>" heading starts a step. A yaml fenced block
// in the section holds its parameters.
type MarkdownParser struct {
	markdown goldmark.Markdown
}

var (
	stepHeadingRegex = regexp.MustCompile(`^Step\s+([^:\s]+)\s*:\s*([a-z_]+)\s*$`)
	approvalRegex    = regexp.MustCompile(`(?i)requires\s+approval\s*:\s*(yes|no|true|false)`)
)

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		markdown: goldmark.New(),
	}
}

func (p *MarkdownParser) Parse(r io.Reader) (*Document, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	doc := &Document{}
	content, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		if err := yaml.Unmarshal(frontmatter, doc); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
		doc.Steps = nil
	}

	root := p.markdown.Parser().Parse(text.NewReader(content))
	steps, err := extractSteps(root, content)
	if err != nil {
		return nil, err
	}
	doc.Steps = steps
	return doc, nil
}

func extractSteps(root ast.Node, source []byte) ([]models.RawStep, error) {
	var (
		steps   []models.RawStep
		current *models.RawStep
	)

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level > 2 {
				continue
			}
			if current != nil {
				steps = append(steps, *current)
				current = nil
			}
			if node.Level != 2 {
				continue
			}
			m := stepHeadingRegex.FindStringSubmatch(strings.TrimSpace(extractText(node, source)))
			if m == nil {
				continue
			}
			current = &models.RawStep{StepID: m[1], Type: m[2]}

		case *ast.Paragraph:
			if current == nil {
				continue
			}
			if m := approvalRegex.FindStringSubmatch(extractText(node, source)); m != nil {
				v := strings.ToLower(m[1])
				current.RequiresApproval = v == "yes" || v == "true"
			}

		case *ast.FencedCodeBlock:
			if current == nil {
				continue
			}
			lang := strings.ToLower(string(node.Language(source)))
			if lang != "yaml" && lang != "yml" {
				continue
			}
			params := map[string]any{}
			if err := yaml.Unmarshal(blockContent(node, source), &params); err != nil {
				return nil, fmt.Errorf("step %v: invalid parameters block: %w", current.StepID, err)
			}
			if current.Parameters == nil {
				current.Parameters = params
			} else {
				for k, v := range params {
					current.Parameters[k] = v
				}
			}
		}
	}

	if current != nil {
		steps = append(steps, *current)
	}
	return steps, nil
}

// extractText concatenates the text under n, including emphasis and code spans.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func blockContent(n *ast.FencedCodeBlock, source []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.Bytes()
}

// extractFrontmatter extracts YAML frontmatter from markdown content
// Returns the content without frontmatter and the frontmatter bytes
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))

	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}

	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			frontmatter := bytes.Join(lines[1:i], []byte("\n"))
			body := bytes.Join(lines[i+1:], []byte("\n"))
			return body, frontmatter
		}
	}

	return content, nil
}
