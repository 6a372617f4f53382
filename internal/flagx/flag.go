// Package flagx lets several components share os.Args: each one picks out
// only the flags it owns before handing them to its own flag.FlagSet.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// Spec names the flags a component owns. Value flags may take their value
// from the following argument; Bool flags never do.
type Spec struct {
	Value []string
	Bool  []string
}

// FilterArgs keeps only allowedFlags (all treated as value flags) and their
// values. Both "-f value" and "-f=value" forms are recognized.
func FilterArgs(args []string, allowedFlags []string) []string {
	return Filter(args, Spec{Value: allowedFlags})
}

// Filter returns the subset of args that belongs to spec, preserving order.
// A value flag followed by a token that does not start with "-" keeps that
// token as its value; a bool flag is kept alone so that "-live report.json"
// does not swallow the positional argument.
func Filter(args []string, spec Spec) []string {
	kinds := make(map[string]bool, len(spec.Value)+len(spec.Bool))
	for _, f := range spec.Value {
		kinds[f] = true
	}
	for _, f := range spec.Bool {
		kinds[f] = false
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := kinds[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		takesValue, ok := kinds[arg]
		if !ok {
			continue
		}
		filtered = append(filtered, arg)
		if takesValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// JsonConfigFlags returns the path given with -c or -config, or "" when
// neither is present.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	return config
}
