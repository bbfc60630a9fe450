// Package flagx lets several components share os.Args: each one filters out
// the flags it owns before handing them to its own flag.FlagSet.
package flagx

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// FilterArgs returns a slice of command-line arguments that only contains
// the allowed flags (and their values) specified in allowedFlags.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
//
// Parameters:
//
//	args         - the command-line arguments (usually os.Args[1:])
//	allowedFlags - list of allowed flag names (e.g. []string{"-c", "--config"})
//
// Returns:
//
//	A slice containing the allowed flags and their values (if provided separately).
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := toSet(allowedFlags)

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// Case 1: flag in the form "--flag=value" or "-f=value"
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			// Extract the flag name (before the '=')
			name := strings.SplitN(arg, "=", 2)[0]
			// If this flag is allowed, keep the whole "flag=value" argument
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		// Case 2: flag as a separate argument (value might follow)
		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			// If the next argument exists and does not look like another flag,
			// treat it as this flag's value and include it
			if i+1 < len(args) && isValue(args[i+1]) {
				filtered = append(filtered, args[i+1])
				i++ // skip the value in the next loop iteration
			}
		}
	}

	return filtered
}

// Positional returns the arguments that are neither one of valueFlags nor
// the value following such a flag, nor any other dash-prefixed token. It is
// the complement of FilterArgs and is used to pick up subcommands and their
// operands, e.g. "add ./a.bin ./b.bin".
func Positional(args []string, valueFlags []string) []string {
	withValue := toSet(valueFlags)

	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i+1:]...)
		}
		if !strings.HasPrefix(arg, "-") {
			out = append(out, arg)
			continue
		}
		if strings.Contains(arg, "=") {
			continue
		}
		if _, ok := withValue[arg]; ok && i+1 < len(args) && isValue(args[i+1]) {
			i++
		}
	}
	return out
}

// FilterBoolArgs keeps boolean flags from boolFlags. Unlike FilterArgs it
// never takes the following argument as a value, so "-e add" keeps "add"
// as a positional argument.
func FilterBoolArgs(args []string, boolFlags []string) []string {
	allowed := toSet(boolFlags)

	filtered := make([]string, 0, len(boolFlags))
	for _, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.SplitN(arg, "=", 2)[0]
		if _, ok := allowed[name]; ok {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

// isValue reports whether s can be a flag value: anything that does not
// start with a dash, plus negative numbers such as "-1".
func isValue(s string) bool {
	if !strings.HasPrefix(s, "-") {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, f := range items {
		set[f] = struct{}{}
	}
	return set
}

// JsonConfigFlags inspects command-line arguments and extracts the config file
// path provided via the -c or -config flags.
//
// Only these flags are parsed; other arguments are ignored. This allows the
// application to safely parse its own flags without interfering with flags
// defined by other packages.
//
// If neither -c nor -config is present, an empty string is returned.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	return config
}
