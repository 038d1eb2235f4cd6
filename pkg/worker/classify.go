package worker

import (
	"fmt"
	"regexp"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

// DepPattern pairs a dependency-failure expression with the template that
// renders the missing dependency from its named groups.
type DepPattern struct {
	Expr     *regexp.Regexp
	Template string
	// Last selects the final match in the log instead of the first.
	Last bool
}

// Classifier turns a build tool exit code and its log into a build status.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	givenBack []*regexp.Regexp
	depWait   []DepPattern
	stop      []*regexp.Regexp
}

// NewClassifier builds a classifier from compiled pattern lists. Order in
// each list is priority order.
func NewClassifier(givenBack []*regexp.Regexp, depWait []DepPattern, stop []*regexp.Regexp) *Classifier {
	return &Classifier{
		givenBack: append([]*regexp.Regexp(nil), givenBack...),
		depWait:   append([]DepPattern(nil), depWait...),
		stop:      append([]*regexp.Regexp(nil), stop...),
	}
}

// Classify maps the build tool exit code through the protocol table and
// refines DEPFAIL and PACKAGEFAIL using the log. A give-back match wins over
// everything else; an unexplained DEPFAIL becomes PACKAGEFAIL.
func (c *Classifier) Classify(code int, log []byte) (protocol.BuildStatus, string) {
	status := protocol.StatusForExitCode(code)
	if status != protocol.BuildDepFail && status != protocol.BuildPackageFail {
		return status, ""
	}

	text := c.region(log)
	for _, expr := range c.givenBack {
		if expr.Match(text) {
			return protocol.BuildGivenBack, ""
		}
	}
	if status != protocol.BuildDepFail {
		return status, ""
	}
	for _, p := range c.depWait {
		if deps, ok := p.missing(text); ok {
			return protocol.BuildDepFail, deps
		}
	}
	return protocol.BuildPackageFail, ""
}

// region cuts the log at the first stop pattern.
func (c *Classifier) region(log []byte) []byte {
	end := len(log)
	for _, expr := range c.stop {
		if loc := expr.FindIndex(log[:end]); loc != nil {
			end = loc[0]
		}
	}
	return log[:end]
}

func (p DepPattern) missing(text []byte) (string, bool) {
	var match []int
	if p.Last {
		all := p.Expr.FindAllSubmatchIndex(text, -1)
		if len(all) > 0 {
			match = all[len(all)-1]
		}
	} else {
		match = p.Expr.FindSubmatchIndex(text)
	}
	if match == nil {
		return "", false
	}
	return string(p.Expr.Expand(nil, []byte(p.Template), text, match)), true
}

func (p DepPattern) String() string {
	return fmt.Sprintf("%s -> %s", p.Expr, p.Template)
}
