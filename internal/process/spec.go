package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/appmgr/internal/logger"
)

// Spec describes an application process to spawn.
type Spec struct {
	// Name is the process name; it also names the process log files.
	Name    string        `json:"name" mapstructure:"name"`
	Command string        `json:"command" mapstructure:"command"`
	WorkDir string        `json:"work_dir" mapstructure:"work_dir"`
	Env     []string      `json:"env" mapstructure:"env"`
	UID     int           `json:"uid" mapstructure:"uid"`
	Log     logger.Config `json:"-" mapstructure:"log"`
}

// BuildCommand turns Command into an *exec.Cmd. Commands with shell syntax
// run under /bin/sh -c; an explicit "sh -c" prefix is honored without
// wrapping it in a second shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := explicitShellScript(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellScript returns the script of a command written as
// "sh -c <script>", with one pair of enclosing quotes removed.
func explicitShellScript(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
