// Package policy decides which commands may receive environment values.
//
// The rule set is fixed at build time. Two variants exist: Prefix, which
// matches raw string prefixes and is the historical behaviour, and Strict,
// which splits the command into words and compares the program name
// exactly. Prefix lets "nodexyz" through because it starts with "node";
// Strict does not.
package policy

import (
	"fmt"
	"strings"
)

// ShellActivation is the pseudo-command used to fetch a whole environment
// for injection into a shell.
const ShellActivation = "shell-activation"

// Names accepted by ForName.
const (
	NamePrefix = "prefix"
	NameStrict = "strict"
)

// Policy reports whether a command may be served.
type Policy interface {
	Allowed(command string) bool
}

// Func adapts a plain function to Policy.
type Func func(command string) bool

// Allowed calls f.
func (f Func) Allowed(command string) bool { return f(command) }

// Prefix is the default policy. See IsAllowed.
var Prefix Policy = Func(IsAllowed)

// Strict is the tokenizing policy. See IsAllowedStrict.
var Strict Policy = Func(IsAllowedStrict)

// IsAllowed applies the prefix rules in order:
//  1. exactly "shell-activation"
//  2. starts with "echo "
//  3. starts with "python3" or "node"
func IsAllowed(command string) bool {
	switch {
	case command == ShellActivation:
		return true
	case strings.HasPrefix(command, "echo "):
		return true
	case strings.HasPrefix(command, "python3"), strings.HasPrefix(command, "node"):
		return true
	default:
		return false
	}
}

// IsAllowedStrict compares the first word of command against the same
// program names as IsAllowed. "echo" still needs an argument.
func IsAllowedStrict(command string) bool {
	if command == ShellActivation {
		return true
	}

	words := strings.Fields(command)
	if len(words) == 0 {
		return false
	}

	switch words[0] {
	case "echo":
		return len(words) > 1
	case "python3", "node":
		return true
	default:
		return false
	}
}

// ForName resolves a configured policy name. An empty name selects Prefix.
func ForName(name string) (Policy, error) {
	switch name {
	case "", NamePrefix:
		return Prefix, nil
	case NameStrict:
		return Strict, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want %q or %q)", name, NamePrefix, NameStrict)
	}
}
