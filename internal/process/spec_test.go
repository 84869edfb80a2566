package process

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit
// shell invocation (e.g., "sh -c 'echo hi'"), we do not double-wrap
// it with another "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	// The string after -c should be the original script, not another nested shell.
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

// Sanity check: when metacharacters are present and no explicit shell prefix
// is provided, we should wrap with /bin/sh -c.
func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      Spec
		expectErr bool
	}{
		{name: "binary only", spec: Spec{Name: "ae", Binary: `C:\Program Files\Adobe\AfterFX.exe`}},
		{name: "command with image", spec: Spec{Name: "ae", Command: "aerender -x", ImageName: "aerender"}},
		{name: "missing name", spec: Spec{Binary: "/bin/sleep"}, expectErr: true},
		{name: "missing binary and command", spec: Spec{Name: "ae", ImageName: "AfterFX.exe"}, expectErr: true},
		{name: "command without image", spec: Spec{Name: "ae", Command: "run.sh"}, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSpec_Lookup(t *testing.T) {
	assert.Equal(t, "AfterFX.exe", Spec{Binary: `C:\Program Files\Adobe\AfterFX.exe`}.Lookup())
	assert.Equal(t, "sleep", Spec{Binary: "/bin/sleep"}.Lookup())
	assert.Equal(t, "custom", Spec{Binary: "/bin/sleep", ImageName: "custom"}.Lookup())
	assert.Equal(t, "", Spec{Command: "sleep 1"}.Lookup())
}

func TestBuildCommand_BinaryKeepsSpaces(t *testing.T) {
	s := Spec{Name: "ae", Binary: "/opt/Adobe After Effects/aerender", Args: []string{"-project", "a b.aep"}}
	cmd := s.BuildCommand()
	require.Len(t, cmd.Args, 3)
	assert.Equal(t, "/opt/Adobe After Effects/aerender", cmd.Args[0])
	assert.Equal(t, "a b.aep", cmd.Args[2])
}

func TestBuildCommand_EmptyCommand(t *testing.T) {
	spec := Spec{
		Name:    "test",
		Command: "",
	}
	cmd := spec.BuildCommand()

	if cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestBuildCommand_SimpleCommand(t *testing.T) {
	spec := Spec{
		Name:    "test",
		Command: "ls -la",
	}
	cmd := spec.BuildCommand()

	if !(cmd.Path == "ls" || strings.HasSuffix(cmd.Path, "/ls")) {
		t.Errorf("expected ls or a path ending with /ls, got %q", cmd.Path)
	}

	expected := []string{"ls", "-la"}
	if len(cmd.Args) != len(expected) {
		t.Errorf("expected args %v, got %v", expected, cmd.Args)
	}

	for i, arg := range expected {
		if i >= len(cmd.Args) || cmd.Args[i] != arg {
			t.Errorf("expected arg[%d] = %q, got %q", i, arg, cmd.Args[i])
		}
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedShell  string
		expectedAfter  string
		expectedResult bool
	}{
		{
			name:           "sh -c with single quotes",
			cmdStr:         "sh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "sh -c with double quotes",
			cmdStr:         `sh -c "echo hello"`,
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/bin/sh -c",
			cmdStr:         "/bin/sh -c 'echo hello'",
			expectedShell:  "/bin/sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/usr/bin/sh -c",
			cmdStr:         "/usr/bin/sh -c 'echo hello'",
			expectedShell:  "/usr/bin/sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "no quotes",
			cmdStr:         "sh -c echo hello",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "not shell command",
			cmdStr:         "echo hello",
			expectedShell:  "",
			expectedAfter:  "",
			expectedResult: false,
		},
		{
			name:           "whitespace prefix",
			cmdStr:         "  \tsh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "partial match",
			cmdStr:         "bash -c 'echo hello'",
			expectedShell:  "",
			expectedAfter:  "",
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, result := parseExplicitShell(tt.cmdStr)

			if result != tt.expectedResult {
				t.Errorf("expected result %v, got %v", tt.expectedResult, result)
			}

			if shell != tt.expectedShell {
				t.Errorf("expected shell %q, got %q", tt.expectedShell, shell)
			}

			if after != tt.expectedAfter {
				t.Errorf("expected after %q, got %q", tt.expectedAfter, after)
			}
		})
	}
}
