// Package resolver applies a skill's corrective action as a subprocess.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jordanhubbard/mend/pkg/models"
)

// matchToken is the single substitution token supported in resolution
// templates, replaced with the portion of the error text captured by the
// skill's pattern.
const matchToken = "{match}"

// allowedCommands is the allowlist of permitted corrective commands.
var allowedCommands = map[string]bool{
	// Package managers
	"pip":  true,
	"pip3": true,
	"npm":  true,
	"yarn": true,
	"go":   true,

	// Build tools
	"make": true,

	// Version control
	"git": true,

	// Filesystem and permission fixes
	"mkdir": true,
	"chmod": true,
	"chown": true,
	"rm":    true,
	"cp":    true,
	"mv":    true,
	"touch": true,
	"ln":    true,

	// Diagnostics
	"ls":   true,
	"cat":  true,
	"echo": true,
	"true": true,
}

// ApplyError indicates the corrective action itself failed to execute.
// It is recorded as a failed usage and does not consume retry budget.
type ApplyError struct {
	SkillID int64
	Command string
	Stderr  string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("correction for skill %d failed: %v (command: %s)", e.SkillID, e.Err, e.Command)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Resolver executes corrective commands with a bounded timeout.
type Resolver struct {
	timeout    time.Duration
	workingDir string
}

// New creates a resolver. timeout bounds each corrective subprocess;
// zero means the 30s default.
func New(timeout time.Duration, workingDir string) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{timeout: timeout, workingDir: workingDir}
}

// Apply renders the entry's resolution template against errorText and runs
// it. applied=true means the corrective command ran to completion with
// exit code 0 — not that the original operation will now succeed; only the
// executor's subsequent retry verifies that.
func (r *Resolver) Apply(ctx context.Context, entry models.SkillEntry, errorText string) (bool, error) {
	command, err := RenderResolution(entry, errorText)
	if err != nil {
		return false, &ApplyError{SkillID: entry.ID, Command: entry.Resolution, Err: err}
	}

	parts, requiresShell, err := validateCommand(command)
	if err != nil {
		return false, &ApplyError{SkillID: entry.ID, Command: command, Err: err}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log.Printf("[Resolver] Applying correction for skill %d: %s", entry.ID, command)

	var cmd *exec.Cmd
	if requiresShell {
		cmd = exec.CommandContext(cmdCtx, "/bin/sh", "-c", parts[0])
	} else {
		cmd = exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
	}
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	if err != nil {
		log.Printf("[Resolver] Correction failed after %s: %v", duration.Round(time.Millisecond), err)
		return false, &ApplyError{
			SkillID: entry.ID,
			Command: command,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}

	log.Printf("[Resolver] Correction completed in %s", duration.Round(time.Millisecond))
	return true, nil
}

// RenderResolution substitutes the {match} token in the entry's resolution
// template. For regex patterns the first capture group (or the whole match
// when there are no groups) is substituted; for substring patterns the
// text following the matched substring, up to the next whitespace, is used.
func RenderResolution(entry models.SkillEntry, errorText string) (string, error) {
	if !strings.Contains(entry.Resolution, matchToken) {
		return entry.Resolution, nil
	}

	capture, err := extractMatch(entry, errorText)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(entry.Resolution, matchToken, capture), nil
}

func extractMatch(entry models.SkillEntry, errorText string) (string, error) {
	if entry.Regex {
		re, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return "", fmt.Errorf("invalid pattern regex: %w", err)
		}
		groups := re.FindStringSubmatch(errorText)
		if groups == nil {
			return "", fmt.Errorf("pattern %q did not match error text", entry.Pattern)
		}
		if len(groups) > 1 {
			return groups[1], nil
		}
		return groups[0], nil
	}

	idx := strings.Index(errorText, entry.Pattern)
	if idx < 0 {
		return "", fmt.Errorf("pattern %q not found in error text", entry.Pattern)
	}
	rest := errorText[idx+len(entry.Pattern):]
	rest = strings.TrimLeft(rest, ": \t")
	if cut := strings.IndexAny(rest, " \t\r\n"); cut >= 0 {
		rest = rest[:cut]
	}
	rest = strings.Trim(rest, `'"`)
	if rest == "" {
		return "", fmt.Errorf("no capturable text after pattern %q", entry.Pattern)
	}
	return rest, nil
}

// validateCommand checks the rendered command against the allowlist and
// returns the parsed parts. Commands containing shell metacharacters are
// run through /bin/sh after the leading binary passes the allowlist.
func validateCommand(command string) ([]string, bool, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, false, fmt.Errorf("empty command")
	}

	shellMetachars := []string{"|", "&&", "||", ";", ">", "<", "&", "`", "$("}
	requiresShell := false
	for _, meta := range shellMetachars {
		if strings.Contains(command, meta) {
			requiresShell = true
			break
		}
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return nil, false, fmt.Errorf("invalid command")
	}

	binary := filepath.Base(parts[0])
	if !allowedCommands[binary] {
		return nil, false, fmt.Errorf("command not allowed: %s", binary)
	}

	if requiresShell {
		return []string{trimmed}, true, nil
	}
	return parts, false, nil
}
