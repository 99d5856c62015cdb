// Package safeenv builds the {program, args, env, cwd} tuple passed to every
// engine subprocess, stripping secrets before they ever reach a child.
// Grounded on the env-merging in internal/tools/exec/manager.go's
// buildCommand (merge caller env over os.Environ()), generalized with an
// explicit removal pass: buildCommand trusts its own caller, but this
// orchestrator's callers pass through arbitrary issue metadata and must not.
package safeenv

import (
	"os"
	"strings"
)

// Spec is the immutable result of Build: everything needed to exec.Command
// a child engine process.
type Spec struct {
	Program string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// DefaultBlocklist are server-internal keys that must never reach a child,
// regardless of what the caller passed in (spec.md §4.1, §6).
var DefaultBlocklist = []string{
	"API_SECRET",
	"DB_PATH",
	"ALLOWED_ORIGIN",
	"DATABASE_URL",
	"SESSION_SECRET",
	"JWT_SECRET",
}

// isServerInternal reports whether key matches the blocklist or a
// server-internal naming convention (ORCHESTRATOR_INTERNAL_* is reserved
// for this process's own config, never forwarded to children).
func isServerInternal(key string, blocklist []string) bool {
	upper := strings.ToUpper(key)
	for _, b := range blocklist {
		if strings.ToUpper(b) == upper {
			return true
		}
	}
	return strings.HasPrefix(upper, "ORCHESTRATOR_INTERNAL_")
}

// Builder constructs Specs with a fixed blocklist and base environment
// injections (TERM, locale) applied to every spawn.
type Builder struct {
	Blocklist []string
	// Base holds variables always injected for interactive children, e.g.
	// TERM and LANG, so vendor CLIs that assume a terminal don't misbehave.
	Base map[string]string
}

// NewBuilder returns a Builder seeded with DefaultBlocklist and a sane base
// environment for interactive child processes.
func NewBuilder() *Builder {
	return &Builder{
		Blocklist: append([]string(nil), DefaultBlocklist...),
		Base: map[string]string{
			"TERM": "xterm-256color",
			"LANG": "en_US.UTF-8",
		},
	}
}

// Build merges callerEnv over the process environment, then removes the
// blocklist. safeEnv is idempotent: calling Build twice with the same
// inputs yields byte-identical output, and applying the blocklist removal
// to an already-safe map is a no-op.
func (b *Builder) Build(program string, args []string, cwd string, callerEnv map[string]string) Spec {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range b.Base {
		merged[k] = v
	}
	for k, v := range callerEnv {
		merged[k] = v
	}
	for k := range merged {
		if isServerInternal(k, b.Blocklist) {
			delete(merged, k)
		}
	}

	return Spec{
		Program: program,
		Args:    append([]string(nil), args...),
		Env:     merged,
		Cwd:     cwd,
	}
}

// EnvSlice renders Spec.Env as a "K=V" slice suitable for exec.Cmd.Env.
func (s Spec) EnvSlice() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// HasAPIKey reports whether any of the given env var names are present and
// non-empty in the process environment. Used by availability probing to
// guess auth status without invoking the child (spec.md §4.4).
func HasAPIKey(names ...string) bool {
	for _, n := range names {
		if v := os.Getenv(n); strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
