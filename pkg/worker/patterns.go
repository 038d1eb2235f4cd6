package worker

import (
	"fmt"
	"os"
	"regexp"

	yaml "gopkg.in/yaml.v3"
)

// PatternFile is the on-disk form of the classifier configuration. Every
// expression is matched in multi-line mode against the raw build log.
type PatternFile struct {
	GivenBack []string          `yaml:"givenback"`
	DepWait   []DepPatternEntry `yaml:"depwait"`
	Stop      []string          `yaml:"stop"`
}

// DepPatternEntry is one dependency-failure entry of a PatternFile.
type DepPatternEntry struct {
	Pattern  string `yaml:"pattern"`
	Template string `yaml:"template"`
	Match    string `yaml:"match"`
}

// DefaultPatterns mirrors the log signatures the build tool is known to
// print. Templates use regexp.Expand syntax.
func DefaultPatterns() PatternFile {
	return PatternFile{
		GivenBack: []string{
			`^E: There are problems and -y was used without --force-yes`,
			`^Build killed with signal TERM after \d+ minutes of inactivity`,
			`^E: Failed to fetch .*(?:Hash Sum mismatch|Connection failed)`,
		},
		DepWait: []DepPatternEntry{
			{
				Pattern:  `(?P<pk>[\-+.\w]+)\(inst [^ ]+ ! >> wanted (?P<v>[\-.+\w:~]+)\)`,
				Template: `${pk} (>> ${v})`,
			},
			{
				Pattern:  `(?P<pk>[\-+.\w]+)\(inst [^ ]+ ! >?= wanted (?P<v>[\-.+\w:~]+)\)`,
				Template: `${pk} (>= ${v})`,
			},
			{
				Pattern:  `^E: Couldn't find package (?P<pk>[\-+.\w]+)`,
				Template: `${pk}`,
				Match:    "last",
			},
			{
				Pattern:  `^E: Package '?(?P<pk>[\-+.\w]+)'? has no installation candidate`,
				Template: `${pk}`,
				Match:    "last",
			},
			{
				Pattern:  `^E: Unable to locate package (?P<pk>[\-+.\w]+)`,
				Template: `${pk}`,
				Match:    "last",
			},
		},
		Stop: []string{
			`^Toolchain package versions:`,
		},
	}
}

// LoadPatterns reads a YAML pattern file. An empty path returns the
// defaults.
func LoadPatterns(path string) (PatternFile, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PatternFile{}, fmt.Errorf("read pattern file: %w", err)
	}
	var pf PatternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PatternFile{}, fmt.Errorf("parse pattern file %s: %w", path, err)
	}
	return pf, nil
}

// Compile turns the file into a classifier.
func (pf PatternFile) Compile() (*Classifier, error) {
	givenBack, err := compileAll(pf.GivenBack)
	if err != nil {
		return nil, fmt.Errorf("givenback: %w", err)
	}
	stop, err := compileAll(pf.Stop)
	if err != nil {
		return nil, fmt.Errorf("stop: %w", err)
	}
	depWait := make([]DepPattern, 0, len(pf.DepWait))
	for i, entry := range pf.DepWait {
		expr, err := compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("depwait[%d]: %w", i, err)
		}
		var last bool
		switch entry.Match {
		case "", "first":
		case "last":
			last = true
		default:
			return nil, fmt.Errorf("depwait[%d]: unknown match mode %q", i, entry.Match)
		}
		depWait = append(depWait, DepPattern{Expr: expr, Template: entry.Template, Last: last})
	}
	return NewClassifier(givenBack, depWait, stop), nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		expr, err := compile(p)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, expr)
	}
	return out, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?m)` + pattern)
}
