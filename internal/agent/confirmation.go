package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RiskLevel orders tool operations from harmless to system-level.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// toolRisks assigns base risk by tool name. Unknown tools default to
// medium.
var toolRisks = map[string]RiskLevel{
	"filesystem.read_file":      RiskSafe,
	"filesystem.list_directory": RiskSafe,
	"filesystem.search_files":   RiskSafe,
	"filesystem.create_directory": RiskLow,
	"filesystem.write_file":       RiskMedium,
	"filesystem.append_file":      RiskMedium,
	"filesystem.delete_file":      RiskHigh,
	"filesystem.delete_directory": RiskHigh,
	"terminal.run_command":        RiskMedium,
	"terminal.execute_sudo":       RiskHigh,
	"git.commit":                  RiskMedium,
	"git.push":                    RiskHigh,
	"git.force_push":              RiskCritical,
	"git.reset_hard":              RiskCritical,
	"system.shutdown":             RiskCritical,
	"system.modify_env":           RiskCritical,
}

// dangerousCommands elevate any terminal tool to high risk.
var dangerousCommands = []string{
	"rm", "rmdir", "del", "deltree",
	"sudo", "runas",
	"chmod", "chown",
	"format", "mkfs",
	"dd", "fdisk",
	"shutdown", "reboot",
	"kill", "killall", "taskkill",
	"git push", "git reset",
}

// RiskOf returns the risk level for a tool call, elevating terminal
// commands that mention a dangerous binary and anything invoking sudo.
func RiskOf(tool string, arguments map[string]any) RiskLevel {
	level, known := toolRisks[tool]
	if !known {
		level = RiskMedium
	}

	if strings.HasPrefix(tool, "terminal.") {
		command, _ := arguments["command"].(string)
		lower := strings.ToLower(command)
		for _, dangerous := range dangerousCommands {
			if strings.Contains(lower, dangerous) {
				return RiskHigh
			}
		}
	}
	for _, v := range arguments {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), "sudo") {
			return RiskHigh
		}
	}
	return level
}

// Assessment is the risk verdict for one tool call.
type Assessment struct {
	Tool                 string
	Arguments            map[string]any
	Level                RiskLevel
	Reason               string
	RequiresConfirmation bool
	Impact               string
	AffectedResources    []string
}

// TrustRule skips confirmation for matching calls. Empty fields match
// anything; Arguments entries must all match exactly.
type TrustRule struct {
	Tool       string
	ToolPrefix string
	Arguments  map[string]any
}

func (r TrustRule) matches(tool string, arguments map[string]any) bool {
	if r.Tool != "" && r.Tool != tool {
		return false
	}
	if r.ToolPrefix != "" && !strings.HasPrefix(tool, r.ToolPrefix) {
		return false
	}
	for key, want := range r.Arguments {
		if got, ok := arguments[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// Assessor decides which tool calls need user confirmation.
type Assessor struct {
	threshold RiskLevel
	rules     []TrustRule

	mu      sync.Mutex
	trusted map[string]bool
}

// NewAssessor creates an assessor that requires confirmation at or
// above threshold.
func NewAssessor(threshold RiskLevel, rules ...TrustRule) *Assessor {
	return &Assessor{
		threshold: threshold,
		rules:     rules,
		trusted:   make(map[string]bool),
	}
}

// Assess evaluates one tool call.
func (a *Assessor) Assess(tool string, arguments map[string]any) Assessment {
	level := RiskOf(tool, arguments)

	if a.isTrusted(tool, arguments) {
		return Assessment{
			Tool:      tool,
			Arguments: arguments,
			Level:     level,
			Reason:    "Trusted by rule",
		}
	}

	return Assessment{
		Tool:                 tool,
		Arguments:            arguments,
		Level:                level,
		Reason:               fmt.Sprintf("Tool '%s' has %s risk level", tool, level),
		RequiresConfirmation: level >= a.threshold,
		Impact:               describeImpact(tool, arguments, level),
		AffectedResources:    affectedResources(arguments),
	}
}

// Trust skips future confirmations for a tool this session.
func (a *Assessor) Trust(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trusted[tool] = true
}

// Untrust removes a session trust grant.
func (a *Assessor) Untrust(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trusted, tool)
}

func (a *Assessor) isTrusted(tool string, arguments map[string]any) bool {
	a.mu.Lock()
	trusted := a.trusted[tool]
	a.mu.Unlock()
	if trusted {
		return true
	}
	for _, rule := range a.rules {
		if rule.matches(tool, arguments) {
			return true
		}
	}
	return false
}

func describeImpact(tool string, arguments map[string]any, level RiskLevel) string {
	if level == RiskSafe {
		return "Read-only operation, no changes will be made"
	}
	lower := strings.ToLower(tool)
	target := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := arguments[key].(string); ok && v != "" {
				return v
			}
		}
		return "resource"
	}
	switch {
	case strings.Contains(lower, "delete"):
		return fmt.Sprintf("Will permanently delete: %s", target("path", "file"))
	case strings.Contains(lower, "write"), strings.Contains(lower, "create"):
		return fmt.Sprintf("Will create/modify: %s", target("path", "file"))
	case strings.HasPrefix(tool, "terminal."):
		return fmt.Sprintf("Will execute: %s", target("command"))
	case strings.Contains(lower, "git"):
		parts := strings.Split(tool, ".")
		return fmt.Sprintf("Git operation: %s", parts[len(parts)-1])
	default:
		return fmt.Sprintf("Will perform %s operation", tool)
	}
}

func affectedResources(arguments map[string]any) []string {
	var resources []string
	for _, key := range []string{"path", "file", "directory", "source", "destination"} {
		if v, ok := arguments[key]; ok {
			resources = append(resources, fmt.Sprint(v))
		}
	}
	if command, ok := arguments["command"]; ok {
		resources = append(resources, fmt.Sprintf("command: %v", command))
	}
	return resources
}

// Prompter asks the user a question and returns the raw response.
type Prompter interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// ConfirmationResult is the user's decision on one request.
type ConfirmationResult struct {
	Approved    bool
	Reason      string
	TrustFuture bool
	Abort       bool
}

// confirmationRecord is one entry in the manager's history.
type confirmationRecord struct {
	Assessment Assessment
	Approved   bool
	Reason     string
	AskedAt    time.Time
}

// ConfirmationManager collects user approval for risky tool calls.
type ConfirmationManager struct {
	prompter          Prompter
	timeout           time.Duration
	autoDenyOnTimeout bool
	logger            *slog.Logger

	mu      sync.Mutex
	history []confirmationRecord
}

// NewConfirmationManager creates a manager. A nil prompter approves
// safe and low risk calls and denies everything else.
func NewConfirmationManager(prompter Prompter, timeout time.Duration, autoDenyOnTimeout bool, logger *slog.Logger) *ConfirmationManager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ConfirmationManager{
		prompter:          prompter,
		timeout:           timeout,
		autoDenyOnTimeout: autoDenyOnTimeout,
		logger:            logger.With("component", "confirmation"),
	}
}

// Request asks the user to approve one assessed tool call.
func (m *ConfirmationManager) Request(ctx context.Context, assessment Assessment) ConfirmationResult {
	m.logger.Info("requesting confirmation", "tool", assessment.Tool, "risk", assessment.Level.String())

	var result ConfirmationResult
	if m.prompter == nil {
		if assessment.Level <= RiskLow {
			result = ConfirmationResult{Approved: true, Reason: "Auto-approved low risk"}
		} else {
			m.logger.Warn("no prompter configured, denying by default")
			result = ConfirmationResult{Reason: "No prompter configured, denied by default"}
		}
	} else {
		result = m.ask(ctx, assessment)
	}

	m.mu.Lock()
	m.history = append(m.history, confirmationRecord{
		Assessment: assessment,
		Approved:   result.Approved,
		Reason:     result.Reason,
		AskedAt:    time.Now(),
	})
	m.mu.Unlock()
	return result
}

func (m *ConfirmationManager) ask(ctx context.Context, assessment Assessment) ConfirmationResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	response, err := m.prompter.Prompt(ctx, BuildPrompt(assessment))
	if err != nil {
		m.logger.Warn("confirmation prompt failed", "error", err)
		if m.autoDenyOnTimeout {
			return ConfirmationResult{Reason: "Timeout - auto-denied"}
		}
		return ConfirmationResult{Approved: true, Reason: "Timeout - auto-approved"}
	}
	return ParseResponse(response)
}

// History returns past confirmation decisions.
func (m *ConfirmationManager) History() []confirmationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]confirmationRecord, len(m.history))
	copy(out, m.history)
	return out
}

// BuildPrompt renders the user-facing confirmation text.
func BuildPrompt(assessment Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nCONFIRMATION REQUIRED - %s RISK\n", strings.ToUpper(assessment.Level.String()))
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Action: %s\n", assessment.Tool)
	fmt.Fprintf(&b, "Impact: %s\n", assessment.Impact)

	if len(assessment.AffectedResources) > 0 {
		b.WriteString("Affected resources:\n")
		for _, resource := range assessment.AffectedResources {
			fmt.Fprintf(&b, "  - %s\n", resource)
		}
	}

	if assessment.Level >= RiskHigh {
		if args, err := json.MarshalIndent(assessment.Arguments, "", "  "); err == nil {
			b.WriteString("\nFull arguments:\n")
			b.Write(args)
			b.WriteString("\n")
		}
	}

	b.WriteString(`
Options:
  [y/yes]     - Approve this action
  [n/no]      - Deny this action
  [t/trust]   - Approve and trust this tool for session
  [a/abort]   - Abort entire workflow

Response: `)
	return b.String()
}

// ParseResponse maps a raw user response to a decision. Unknown input
// denies for safety.
func ParseResponse(response string) ConfirmationResult {
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes", "ok", "approve":
		return ConfirmationResult{Approved: true, Reason: "User approved"}
	case "t", "trust":
		return ConfirmationResult{Approved: true, Reason: "User approved and trusted", TrustFuture: true}
	case "n", "no", "deny":
		return ConfirmationResult{Reason: "User denied"}
	case "a", "abort":
		return ConfirmationResult{Reason: "User aborted workflow", Abort: true}
	default:
		return ConfirmationResult{Reason: fmt.Sprintf("Unknown response %q, denied for safety", response)}
	}
}

// AutoPrompter answers every confirmation the same way, for
// unattended runs and tests.
type AutoPrompter struct {
	Response string
}

// Prompt implements Prompter.
func (p AutoPrompter) Prompt(ctx context.Context, message string) (string, error) {
	return p.Response, nil
}

// CLIPrompter reads confirmation responses from an interactive
// terminal.
type CLIPrompter struct {
	In  io.Reader
	Out io.Writer
}

// Prompt writes the message and reads one line, honoring ctx
// cancellation.
func (p CLIPrompter) Prompt(ctx context.Context, message string) (string, error) {
	fmt.Fprint(p.Out, message)

	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return strings.TrimSpace(res.line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
