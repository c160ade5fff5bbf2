package shell

import (
	"fmt"
	"sort"
	"strings"
)

// cwdMarker is the sentinel a wrapped command emits on its final line
// so the tracked working directory can be recovered after the stateless
// exec channel closes.  The exact "trailing marker, strip before
// returning" contract is load-bearing: caller-visible cwd behaviour
// depends on it.
const cwdMarker = "___CWD___"

// WrapCommand compiles a logical command into the form that makes a
// sequence of independent exec calls behave like one continuous shell:
//
//	cd "<cwd>" 2>/dev/null || cd ~
//	export K1="V1"; export K2="V2"; ...   (only if env vars present)
//	<command>
//	echo "___CWD___$(pwd)"
func WrapCommand(command, cwd string, env map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %q 2>/dev/null || cd ~\n", cwd)
	if len(env) > 0 {
		b.WriteString(ExportBatch(env))
		b.WriteByte('\n')
	}
	b.WriteString(command)
	b.WriteByte('\n')
	fmt.Fprintf(&b, `echo "%s$(pwd)"`, cwdMarker)
	return b.String()
}

// ExportBatch renders the environment map as one export statement per
// variable, joined with semicolons.  Keys are sorted so the output is
// deterministic; insertion order is irrelevant to the map contract.
func ExportBatch(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`export %s="%s"`, k, escapeDQ(env[k])))
	}
	return strings.Join(parts, "; ")
}

// escapeDQ escapes a value for inclusion inside double quotes.
func escapeDQ(v string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"$", `\$`,
		"`", "\\`",
	)
	return r.Replace(v)
}

// ExtractCwd scans stdout for the trailing sentinel.  When present, it
// returns the output with the marker line stripped plus the recovered
// working directory; otherwise it returns the output unchanged and an
// empty cwd, and the caller leaves the tracked directory as-is.
func ExtractCwd(stdout string) (clean, cwd string) {
	// Last occurrence wins: the sentinel echo always runs after the
	// logical command, and preceding output may not end in a newline
	// (e.g. cat of a file without one), so no line anchoring here.
	idx := strings.LastIndex(stdout, cwdMarker)
	if idx < 0 {
		return stdout, ""
	}
	rest := stdout[idx+len(cwdMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return stdout[:idx], strings.TrimSpace(rest)
}

// Quote single-quotes a string for safe use as a shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
