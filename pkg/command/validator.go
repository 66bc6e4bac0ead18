// Package command validates shell commands before they reach the sandbox.
//
// Validation is fail-closed: a command is executable only if its head token
// is on a fixed allowlist and the raw string carries no shell metacharacters.
// Tokenisation follows POSIX word-splitting rules with no expansion, so the
// accepted argv can be passed straight to an exec path without a shell.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Sentinel errors returned by Validate.
var (
	// ErrForbiddenPattern indicates the raw command contains a shell
	// metacharacter (pipe, redirection, substitution, ...).
	ErrForbiddenPattern = errors.New("command: forbidden shell metacharacter")

	// ErrEmptyCommand indicates the command contains no tokens.
	ErrEmptyCommand = errors.New("command: empty command")

	// ErrNotAllowed indicates the head token is not on the allowlist.
	ErrNotAllowed = errors.New("command: not on allowlist")

	// ErrBadShellForm indicates an sh/bash invocation that is not exactly
	// `-c <script>`.
	ErrBadShellForm = errors.New("command: shell form must be exactly -c <script>")
)

// NotAllowedError reports which head token was rejected.
// It wraps ErrNotAllowed so errors.Is(err, ErrNotAllowed) still works.
type NotAllowedError struct {
	Head string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("%s: %q", ErrNotAllowed.Error(), e.Head)
}

func (e *NotAllowedError) Unwrap() error {
	return ErrNotAllowed
}

// forbidden are the substrings rejected on the raw command string, before
// tokenisation. Checking pre-tokenisation means quoting cannot smuggle a
// metacharacter past a lenient splitter.
var forbidden = []string{"|", "&", ";", ">", "<", "`", "$(", "${", "\n", "\r"}

// allowlist is the fixed set of permitted head tokens.
var allowlist = map[string]bool{
	// File inspection.
	"ls": true, "cat": true, "head": true, "tail": true,
	"wc": true, "file": true, "stat": true,
	// Text processing.
	"grep": true, "sed": true, "awk": true, "sort": true,
	"uniq": true, "cut": true, "tr": true,
	// Traversal.
	"find": true, "pwd": true, "echo": true,
	// Workspace mutation.
	"mkdir": true, "touch": true, "cp": true, "mv": true, "rm": true,
	// Restricted shell forms, see validateShellForm.
	"sh": true, "bash": true,
}

// Allowed reports whether name is a permitted head token.
func Allowed(name string) bool {
	return allowlist[name]
}

// Kind returns the taxonomy name for a validation error, for logging and
// tool results.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbiddenPattern):
		return "ForbiddenPattern"
	case errors.Is(err, ErrEmptyCommand):
		return "EmptyCommand"
	case errors.Is(err, ErrNotAllowed):
		return "NotAllowed"
	case errors.Is(err, ErrBadShellForm):
		return "BadShellForm"
	default:
		return "ValidationError"
	}
}

// Validate parses a single command string and returns the argv to execute,
// or an error describing why the command was rejected. Validate is a pure
// function: identical input yields identical output.
func Validate(raw string) ([]string, error) {
	if err := checkForbidden(raw); err != nil {
		return nil, err
	}

	argv, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForbiddenPattern, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	head := argv[0]
	if !allowlist[head] {
		return nil, &NotAllowedError{Head: head}
	}

	if head == "sh" || head == "bash" {
		if err := validateShellForm(argv); err != nil {
			return nil, err
		}
	} else {
		// A -c token is only accepted as part of the sh/bash form.
		for _, tok := range argv[1:] {
			if tok == "-c" {
				return nil, fmt.Errorf("%w: -c outside the sh/bash form", ErrBadShellForm)
			}
		}
	}

	return argv, nil
}

// checkForbidden rejects raw strings containing any shell metacharacter.
func checkForbidden(raw string) error {
	for _, pattern := range forbidden {
		if strings.Contains(raw, pattern) {
			return fmt.Errorf("%w: %q", ErrForbiddenPattern, pattern)
		}
	}
	return nil
}

// validateShellForm restricts sh/bash to exactly `-c <script>` where the
// script is itself a simple allowlisted command: the metacharacter check is
// re-run on the script, and its first word must be on the allowlist.
func validateShellForm(argv []string) error {
	if len(argv) != 3 || argv[1] != "-c" {
		return ErrBadShellForm
	}

	script := argv[2]
	if err := checkForbidden(script); err != nil {
		return err
	}

	words, err := shellquote.Split(script)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbiddenPattern, err)
	}
	if len(words) == 0 {
		return ErrEmptyCommand
	}
	if !allowlist[words[0]] {
		return &NotAllowedError{Head: words[0]}
	}
	return nil
}
