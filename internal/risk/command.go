package risk

import (
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// dangerousTargets are deletion targets that wipe a home directory,
// the root filesystem, or everything in the working directory.
var dangerousTargets = map[string]bool{
	"/":     true,
	"/*":    true,
	"~":     true,
	"~/":    true,
	"~/*":   true,
	"*":     true,
	"$HOME": true,
	".":     true,
	"..":    true,
}

var privilegeCommands = map[string]bool{
	"sudo": true,
	"su":   true,
	"doas": true,
}

// wrapperCommands run their arguments as another command.
var wrapperCommands = map[string]bool{
	"env":     true,
	"command": true,
	"exec":    true,
	"nohup":   true,
	"nice":    true,
	"time":    true,
	"timeout": true,
	"xargs":   true,
	"builtin": true,
}

// valueFlags lists, per prefix command, the short options that consume
// the following word.
var valueFlags = map[string]map[string]bool{
	"sudo":    {"-u": true, "-g": true, "-h": true, "-p": true, "-C": true, "-D": true, "-r": true, "-t": true, "-U": true},
	"doas":    {"-u": true, "-C": true},
	"exec":    {"-a": true},
	"su":      {"-s": true, "-g": true, "-G": true},
	"env":     {"-u": true, "-C": true, "-S": true},
	"nice":    {"-n": true},
	"xargs":   {"-I": true, "-n": true, "-P": true, "-L": true, "-d": true, "-s": true, "-E": true, "-a": true},
	"timeout": {"-s": true, "-k": true},
}

var shells = map[string]bool{
	"sh":   true,
	"bash": true,
	"zsh":  true,
	"dash": true,
	"ksh":  true,
}

// maxShellDepth bounds recursion into nested "sh -c" strings.
const maxShellDepth = 4

// inspectCommand returns a human-readable reason for every red flag in
// a shell command line, in the order they occur. It returns nil for a
// command with no red flags.
func inspectCommand(command string) []string {
	var reasons []string
	add := func(r string) {
		for _, existing := range reasons {
			if existing == r {
				return
			}
		}
		reasons = append(reasons, r)
	}
	inspectLine(command, add, 0)
	return reasons
}

func inspectLine(command string, add func(string), depth int) {
	for _, seg := range segments(command) {
		words := unquote(strings.Fields(seg))
		words = unwrap(words, add)
		if len(words) == 0 {
			continue
		}
		name := filepath.Base(words[0])
		switch {
		case name == "rm":
			inspectRm(words[1:], add)
		case name == "git":
			inspectGit(words[1:], add)
		case name == "dd", name == "mkfs", name == "shred", strings.HasPrefix(name, "mkfs."):
			add("Can overwrite disks or filesystems (" + name + ")")
		case shells[name]:
			if script, ok := shellScript(words[1:]); ok {
				if depth >= maxShellDepth {
					add("Deeply nested shell invocation")
					continue
				}
				inspectLine(script, add, depth+1)
			}
		}
	}
}

// unwrap drops environment assignments, privilege escalation and
// wrapper commands from the front of words, reporting escalation.
func unwrap(words []string, add func(string)) []string {
	for len(words) > 0 {
		name := filepath.Base(words[0])
		switch {
		case isAssignment(words[0]):
			words = words[1:]
		case privilegeCommands[name]:
			add("Runs with elevated privileges (" + name + ")")
			if i := slices.Index(words, "-c"); name == "su" && i > 0 {
				words = words[i+1:]
				continue
			}
			words = skipOptions(name, words[1:])
		case wrapperCommands[name]:
			words = skipOptions(name, words[1:])
			if name == "timeout" && len(words) > 0 {
				words = words[1:] // duration
			}
		default:
			return words
		}
	}
	return words
}

// skipOptions drops leading options of cmd, including the value of
// options listed in valueFlags.
func skipOptions(cmd string, words []string) []string {
	for len(words) > 0 && strings.HasPrefix(words[0], "-") && len(words[0]) > 1 {
		flag := words[0]
		words = words[1:]
		if flag == "--" {
			break
		}
		if valueFlags[cmd][flag] && len(words) > 0 {
			words = words[1:]
		}
	}
	return words
}

func isAssignment(word string) bool {
	name, _, ok := strings.Cut(word, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// shellScript returns the command string passed to a shell with -c
// (or a combined flag such as -lc).
func shellScript(args []string) (string, bool) {
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && strings.Contains(a[1:], "c"):
			if i+1 < len(args) {
				return strings.Join(args[i+1:], " "), true
			}
			return "", false
		case strings.HasPrefix(a, "-"):
		default:
			return "", false
		}
	}
	return "", false
}

// unquote strips shell quote characters from each word.
func unquote(words []string) []string {
	out := words[:0]
	for _, w := range words {
		if w = strings.Trim(w, `'"`); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// segments splits a command line on ;, &&, || and |.
func segments(command string) []string {
	r := strings.NewReplacer("&&", ";", "||", ";", "|", ";", "\n", ";")
	return strings.Split(r.Replace(command), ";")
}

func inspectRm(args []string, add func(string)) {
	var recursive, force bool
	var targets []string
	for _, a := range args {
		switch {
		case a == "--recursive":
			recursive = true
		case a == "--force":
			force = true
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && len(a) > 1:
			short := a[1:]
			if strings.ContainsAny(short, "rR") {
				recursive = true
			}
			if strings.Contains(short, "f") {
				force = true
			}
		default:
			targets = append(targets, a)
		}
	}

	switch {
	case recursive && force:
		add("Recursive forced deletion (rm -rf)")
	case recursive:
		add("Recursive deletion")
	}
	for _, t := range targets {
		if dangerousTargets[t] {
			add("Deletion targets a dangerous path (" + t + ")")
		}
	}
}

// gitValueOptions are git global options that consume the next word.
var gitValueOptions = map[string]bool{
	"-C":          true,
	"-c":          true,
	"--git-dir":   true,
	"--work-tree": true,
	"--namespace": true,
}

func inspectGit(args []string, add func(string)) {
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		opt := args[0]
		args = args[1:]
		if gitValueOptions[opt] && len(args) > 0 {
			args = args[1:]
		}
	}
	if len(args) == 0 {
		return
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "push":
		for _, a := range rest {
			if a == "--force" || a == "-f" || strings.HasPrefix(a, "--force-with-lease") || strings.HasPrefix(a, "+") {
				add("Force push can overwrite remote history")
				return
			}
		}
	case "reset":
		for _, a := range rest {
			if a == "--hard" {
				add("Hard reset discards uncommitted changes")
				return
			}
		}
	case "clean":
		add("git clean permanently deletes untracked files")
	}
}
