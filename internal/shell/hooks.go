// Package shell generates the integration snippets that wire hushlog
// into a running shell: a per-session id in the environment and a hook
// that pipes every executed command into `hushlog log`.
package shell

import (
	"fmt"
	"strings"
	"text/template"
)

// Shells lists the shells a hook can be generated for.
func Shells() []string {
	return []string{"bash", "zsh", "fish"}
}

// The hooks deliberately send the command over stdin instead of argv so
// multiline commands and embedded quoting survive intact.
const bashHookTemplate = `# hushlog bash integration. Add to ~/.bashrc:
#   eval "$(hushlog init bash)"
export HUSHLOG_SESSION="${HUSHLOG_SESSION:-$({{.Binary}} session new)}"

__hushlog_log() {
    local exit_code=$?
    local cmd
    cmd=$(HISTTIMEFORMAT= builtin history 1 | sed 's/^ *[0-9]* *//')
    if [ -n "$cmd" ] && [ "$cmd" != "$__hushlog_last" ]; then
        __hushlog_last=$cmd
        printf '%s' "$cmd" | {{.Binary}} log --dir "$PWD" --exit "$exit_code" >/dev/null 2>&1
    fi
    return $exit_code
}
PROMPT_COMMAND="__hushlog_log${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`

const zshHookTemplate = `# hushlog zsh integration. Add to ~/.zshrc:
#   eval "$(hushlog init zsh)"
export HUSHLOG_SESSION="${HUSHLOG_SESSION:-$({{.Binary}} session new)}"

__hushlog_preexec() {
    __hushlog_cmd=$1
}
__hushlog_precmd() {
    local exit_code=$?
    if [ -n "$__hushlog_cmd" ]; then
        printf '%s' "$__hushlog_cmd" | {{.Binary}} log --dir "$PWD" --exit "$exit_code" >/dev/null 2>&1
        __hushlog_cmd=
    fi
}
autoload -Uz add-zsh-hook
add-zsh-hook preexec __hushlog_preexec
add-zsh-hook precmd __hushlog_precmd
`

const fishHookTemplate = `# hushlog fish integration. Add to ~/.config/fish/config.fish:
#   hushlog init fish | source
if not set -q HUSHLOG_SESSION
    set -gx HUSHLOG_SESSION ({{.Binary}} session new)
end

function __hushlog_postexec --on-event fish_postexec
    set -l exit_code $status
    printf '%s' $argv[1] | {{.Binary}} log --dir $PWD --exit $exit_code >/dev/null 2>&1
end
`

// Hook renders the integration snippet for the given shell. binaryPath
// is the hushlog executable the snippet should invoke.
func Hook(shellName, binaryPath string) (string, error) {
	var src string
	switch shellName {
	case "bash":
		src = bashHookTemplate
	case "zsh":
		src = zshHookTemplate
	case "fish":
		src = fishHookTemplate
	default:
		return "", fmt.Errorf("unsupported shell %q (want %s)", shellName, strings.Join(Shells(), ", "))
	}

	tmpl, err := template.New(shellName).Parse(src)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, struct{ Binary string }{Binary: binaryPath}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
