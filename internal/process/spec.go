package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/readyd/internal/logger"
)

// Spec describes the worker process readyd keeps alive.
type Spec struct {
	Name      string        `json:"name" mapstructure:"name"`             // logical name used in logs, metrics and history
	Binary    string        `json:"binary" mapstructure:"binary"`         // executable path; may contain spaces
	Args      []string      `json:"args" mapstructure:"args"`             // arguments passed verbatim with Binary
	Command   string        `json:"command" mapstructure:"command"`       // alternative: command line, split or run via shell
	ImageName string        `json:"image_name" mapstructure:"image_name"` // OS process name to look up, e.g. AfterFX.exe
	WorkDir   string        `json:"work_dir" mapstructure:"work_dir"`
	Env       []string      `json:"env" mapstructure:"env"`
	Detached  bool          `json:"detached" mapstructure:"detached"` // start in a new session/console
	Log       logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks that the spec can be launched and looked up.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("worker name is required")
	}
	if strings.TrimSpace(s.Binary) == "" && strings.TrimSpace(s.Command) == "" {
		return errors.New("worker binary or command is required")
	}
	if strings.TrimSpace(s.Lookup()) == "" {
		return errors.New("worker image_name is required when binary is not set")
	}
	return nil
}

// Lookup returns the image name used to find the worker in the process table.
// It defaults to the base name of Binary.
func (s Spec) Lookup() string {
	if s.ImageName != "" {
		return s.ImageName
	}
	b := strings.TrimSpace(s.Binary)
	if b == "" {
		return ""
	}
	if i := strings.LastIndexAny(b, `/\`); i >= 0 {
		b = b[i+1:]
	}
	return b
}

// BuildCommand constructs an *exec.Cmd for the spec.
// Binary+Args are used verbatim when Binary is set. Otherwise Command is used:
// it avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	if b := strings.TrimSpace(s.Binary); b != "" {
		// #nosec G204
		return exec.Command(b, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	// Fallback: when metacharacters are present, use the platform shell
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of outer quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
