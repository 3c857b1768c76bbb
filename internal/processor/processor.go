// Package processor normalizes raw device output with configurable
// processor chains.
package processor

import (
	"fmt"
	"regexp"
	"strings"
)

// OutputKind tells processors what produced the lines.
type OutputKind string

const (
	KindCommand OutputKind = "command"
	KindConfig  OutputKind = "config"
)

const (
	ProcessorTypeTrim         string = "trim"
	ProcessorTypeStripPaging  string = "strip_paging"
	ProcessorTypeStripBanner  string = "strip_banner"
	ProcessorTypeDropBlankEnd string = "drop_blank_edges"
)

// Processor transforms device output lines.
type Processor interface {
	Process([]string, OutputKind) ([]string, error)
	Name() string
}

// ProcessorChain holds named processors and applies them in the requested
// order.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&TrimProcessor{})
	pc.Register(&PagingProcessor{})
	pc.Register(&BannerProcessor{})
	pc.Register(&BlankEdgesProcessor{})
}

// Register adds or replaces a processor.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

func isValidKind(k OutputKind) bool {
	return k == KindCommand || k == KindConfig
}

func (pc *ProcessorChain) Process(lines []string, kind OutputKind, processorNames ...string) ([]string, error) {
	if !isValidKind(kind) {
		return nil, fmt.Errorf("invalid output kind: %q", kind)
	}
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result, kind)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 {
			break
		}
	}
	return result, nil
}

// Normalize runs the default chain for kind over a raw output blob.
func (pc *ProcessorChain) Normalize(raw string, kind OutputKind) (string, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out, err := pc.Process(lines, kind,
		ProcessorTypeStripPaging, ProcessorTypeStripBanner, ProcessorTypeTrim, ProcessorTypeDropBlankEnd)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	return strings.Join(out, "\n") + "\n", nil
}

// TrimProcessor removes trailing whitespace. Leading indentation is kept
// since it carries config hierarchy.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string, _ OutputKind) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimRight(line, " \t\r")
	}
	return trimmed, nil
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	morePrompt = regexp.MustCompile(`(?i)\s*-+\s*more\s*-+\s*`)
	backspaces = regexp.MustCompile(`[ ]*\x08+[ ]*\x08*`)
)

// PagingProcessor strips pager prompts, backspace redraws and ANSI escapes
// left behind when paging could not be disabled.
type PagingProcessor struct{}

func (p *PagingProcessor) Name() string { return ProcessorTypeStripPaging }
func (p *PagingProcessor) Process(lines []string, _ OutputKind) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = ansiEscape.ReplaceAllString(line, "")
		line = morePrompt.ReplaceAllString(line, "")
		line = backspaces.ReplaceAllString(line, "")
		out = append(out, strings.TrimLeft(line, "\r"))
	}
	return out, nil
}

var bannerLines = []*regexp.Regexp{
	regexp.MustCompile(`^Building configuration\.\.\.`),
	regexp.MustCompile(`^Current configuration\s*:\s*\d+ bytes`),
	regexp.MustCompile(`^!Time:`),
	regexp.MustCompile(`^!Command:`),
	regexp.MustCompile(`^## Last commit:`),
}

// BannerProcessor drops the header lines some platforms print before the
// configuration body. Command output is left alone.
type BannerProcessor struct{}

func (p *BannerProcessor) Name() string { return ProcessorTypeStripBanner }
func (p *BannerProcessor) Process(lines []string, kind OutputKind) ([]string, error) {
	if kind != KindConfig {
		return lines, nil
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if isBanner(line) {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func isBanner(line string) bool {
	for _, re := range bannerLines {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// BlankEdgesProcessor removes blank lines at the start and end.
type BlankEdgesProcessor struct{}

func (p *BlankEdgesProcessor) Name() string { return ProcessorTypeDropBlankEnd }
func (p *BlankEdgesProcessor) Process(lines []string, _ OutputKind) ([]string, error) {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end], nil
}
