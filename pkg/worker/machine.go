// Package worker runs one build attempt at a time inside a chroot and
// reports a single terminal status for it.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

// State is a pipeline stage.
type State int

const (
	StateUnpack State = iota
	StateMount
	StateConfigureLayer
	StateOverrideSources
	StateUpdateChroot
	StateRunBuildTool
	StateReap
	StateUnmount
	StateCleanup
	StateDone
)

var stateNames = [...]string{
	StateUnpack:          "UNPACK",
	StateMount:           "MOUNT",
	StateConfigureLayer:  "CONFIGURE-LAYER",
	StateOverrideSources: "OVERRIDE-SOURCES",
	StateUpdateChroot:    "UPDATE-CHROOT",
	StateRunBuildTool:    "RUN-BUILD-TOOL",
	StateReap:            "REAP",
	StateUnmount:         "UNMOUNT",
	StateCleanup:         "CLEANUP",
	StateDone:            "DONE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// preBuild reports whether a failure in s is a chroot failure.
func (s State) preBuild() bool {
	return s < StateRunBuildTool
}

// Runner executes one stage command. procutil.Exec satisfies it.
type Runner interface {
	Run(ctx context.Context, argv []string, out io.Writer) (int, error)
}

// Commands are the helper programs behind each stage.
type Commands struct {
	Unpack          string `mapstructure:"unpack"`
	Mount           string `mapstructure:"mount"`
	ConfigureLayer  string `mapstructure:"configure_layer"`
	OverrideSources string `mapstructure:"override_sources"`
	UpdateChroot    string `mapstructure:"update_chroot"`
	BuildTool       string `mapstructure:"build_tool"`
	Reap            string `mapstructure:"reap"`
	Unmount         string `mapstructure:"unmount"`
	Cleanup         string `mapstructure:"cleanup"`
}

// DefaultCommands returns the conventional helper names.
func DefaultCommands() Commands {
	return Commands{
		Unpack:          "unpack-chroot",
		Mount:           "mount-chroot",
		ConfigureLayer:  "configure-layer",
		OverrideSources: "override-sources-list",
		UpdateChroot:    "update-debian-chroot",
		BuildTool:       "sbuild-package",
		Reap:            "scan-for-processes",
		Unmount:         "umount-chroot",
		Cleanup:         "remove-build",
	}
}

// Attempt describes one build.
type Attempt struct {
	BuildID    string
	ChrootPath string
	// Layer, when set, enables CONFIGURE-LAYER.
	Layer string
	// Sources, when non-empty, enables OVERRIDE-SOURCES.
	Sources []string
	// Args are passed to the build tool as --key=value, sorted by key.
	Args map[string]string
	// Inputs are the input file names handed to the build tool.
	Inputs []string
}

// Result is the terminal report of an attempt.
type Result struct {
	Status       protocol.BuildStatus
	Dependencies string
	Files        map[string]string
}

// Gatherer collects the build's artifacts on the OK path.
type Gatherer func(ctx context.Context) (map[string]string, error)

// Machine drives one attempt through the pipeline. A Machine is single use.
type Machine struct {
	runner     Runner
	commands   Commands
	classifier *Classifier
	gather     Gatherer
	attempt    Attempt
	log        io.Writer
	logger     *slog.Logger

	// OnFailure, if set, is called once when the failure latch closes.
	OnFailure func(state State, status protocol.BuildStatus)

	mu            sync.Mutex
	state         State
	aborted       bool
	cancelStage   context.CancelFunc
	alreadyFailed bool
	result        Result
	buildLog      bytes.Buffer
}

// NewMachine prepares an attempt. log receives the output of every stage.
func NewMachine(runner Runner, commands Commands, classifier *Classifier, gather Gatherer, attempt Attempt, log io.Writer, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if log == nil {
		log = io.Discard
	}
	return &Machine{
		runner:     runner,
		commands:   commands,
		classifier: classifier,
		gather:     gather,
		attempt:    attempt,
		log:        log,
		logger:     logger.With("build_id", attempt.BuildID),
	}
}

// State returns the stage currently running.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run executes the pipeline to completion and returns the attempt's result.
// The cleanup tail always runs, whatever ctx does.
func (m *Machine) Run(ctx context.Context) Result {
	state := StateUnpack
	for state != StateDone {
		code := m.runStage(ctx, state)
		state = m.transition(state, code)
	}
	m.setState(StateDone)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result.Status == "" {
		// Only reachable when the pipeline never got to classify a build.
		m.result.Status = protocol.BuildBuilderFail
	}
	return m.result
}

// Abort stops the running stage in two stages and makes the attempt report
// ABORTED. Once the build tool has finished there is nothing to abort and
// the call reports false.
func (m *Machine) Abort() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state > StateRunBuildTool {
		return false
	}
	m.aborted = true
	if m.cancelStage != nil {
		m.cancelStage()
	}
	return true
}

func (m *Machine) runStage(ctx context.Context, state State) int {
	argv := m.argv(state)

	var stageCtx context.Context
	var cancel context.CancelFunc
	if state.preBuild() || state == StateRunBuildTool {
		stageCtx, cancel = context.WithCancel(ctx)
	} else {
		// The tail must run to completion even after an abort.
		stageCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	m.mu.Lock()
	m.state = state
	aborted := m.aborted
	m.cancelStage = cancel
	m.mu.Unlock()

	if aborted && (state.preBuild() || state == StateRunBuildTool) {
		return -1
	}

	out := m.log
	if state == StateRunBuildTool {
		out = io.MultiWriter(m.log, &m.buildLog)
	}

	m.logger.Info("stage starting", "state", state.String(), "argv", argv)
	code, err := m.runner.Run(stageCtx, argv, out)
	if err != nil {
		m.logger.Warn("stage error", "state", state.String(), "exit_code", code, "error", err)
		if code == 0 {
			code = -1
		}
	} else {
		m.logger.Info("stage finished", "state", state.String(), "exit_code", code)
	}

	m.mu.Lock()
	m.cancelStage = nil
	m.mu.Unlock()
	return code
}

// transition decides the next stage from the current one and its exit code.
func (m *Machine) transition(state State, code int) State {
	switch state {
	case StateUnpack, StateMount, StateConfigureLayer, StateOverrideSources, StateUpdateChroot:
		if m.isAborted() {
			m.fail(state, protocol.BuildAborted, "")
			return StateReap
		}
		if code != 0 {
			m.fail(state, protocol.BuildChrootFail, "")
			return StateReap
		}
		return m.nextPrep(state)

	case StateRunBuildTool:
		m.classify(state, code)
		return StateReap

	case StateReap:
		return StateUnmount

	case StateUnmount:
		if code != 0 {
			m.fail(state, protocol.BuildBuilderFail, "")
		}
		return StateCleanup

	case StateCleanup:
		if code != 0 {
			m.fail(state, protocol.BuildBuilderFail, "")
		}
		return StateDone
	}
	return StateDone
}

func (m *Machine) nextPrep(state State) State {
	switch state {
	case StateUnpack:
		return StateMount
	case StateMount:
		if m.attempt.Layer != "" {
			return StateConfigureLayer
		}
		fallthrough
	case StateConfigureLayer:
		if len(m.attempt.Sources) > 0 {
			return StateOverrideSources
		}
		return StateUpdateChroot
	case StateOverrideSources:
		return StateUpdateChroot
	}
	return StateRunBuildTool
}

func (m *Machine) classify(state State, code int) {
	if m.isAborted() {
		m.fail(state, protocol.BuildAborted, "")
		return
	}

	status, deps := m.classifier.Classify(code, m.buildLog.Bytes())
	if status != protocol.BuildOK {
		m.fail(state, status, deps)
		return
	}

	var files map[string]string
	if m.gather != nil {
		var err error
		files, err = m.gather(context.Background())
		if err != nil {
			m.logger.Error("gathering artifacts failed", "error", err)
			m.fail(state, protocol.BuildBuilderFail, "")
			return
		}
	}
	m.mu.Lock()
	m.result = Result{Status: protocol.BuildOK, Files: files}
	m.mu.Unlock()
}

// fail closes the failure latch. Only the first call has an effect.
func (m *Machine) fail(state State, status protocol.BuildStatus, deps string) {
	m.mu.Lock()
	if m.alreadyFailed {
		m.mu.Unlock()
		m.logger.Debug("failure swallowed by latch", "state", state.String(), "status", string(status))
		return
	}
	m.alreadyFailed = true
	m.result = Result{Status: status, Dependencies: deps}
	m.mu.Unlock()

	m.logger.Warn("attempt failed", "state", state.String(), "status", string(status), "dependencies", deps)
	if m.OnFailure != nil {
		m.OnFailure(state, status)
	}
}

func (m *Machine) isAborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) argv(state State) []string {
	a := m.attempt
	c := m.commands
	switch state {
	case StateUnpack:
		return []string{c.Unpack, a.BuildID, a.ChrootPath}
	case StateMount:
		return []string{c.Mount, a.BuildID}
	case StateConfigureLayer:
		return []string{c.ConfigureLayer, a.BuildID, a.Layer}
	case StateOverrideSources:
		return append([]string{c.OverrideSources, a.BuildID}, a.Sources...)
	case StateUpdateChroot:
		return []string{c.UpdateChroot, a.BuildID}
	case StateRunBuildTool:
		argv := []string{c.BuildTool, a.BuildID}
		keys := make([]string, 0, len(a.Args))
		for k := range a.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			argv = append(argv, fmt.Sprintf("--%s=%s", k, a.Args[k]))
		}
		return append(argv, a.Inputs...)
	case StateReap:
		return []string{c.Reap, a.BuildID}
	case StateUnmount:
		return []string{c.Unmount, a.BuildID}
	case StateCleanup:
		return []string{c.Cleanup, a.BuildID}
	}
	return nil
}
