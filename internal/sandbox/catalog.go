package sandbox

import "fmt"

// LanguageConfig is the immutable, process-lifetime descriptor for a
// supported language: image, file layout, default resource limits.
//
// Grounded on agent/execution/docker_exec.go's per-language image and
// command tables, generalized into spec.md §3's full LanguageConfig shape
// (kind, class-name mangling, compile/run templates).
type LanguageConfig struct {
	ID             Language
	DisplayName    string
	Kind           ExecutionKind
	Image          string
	FileName       string // source file name written into the sandbox, e.g. "main.py"
	ClassName      string // non-empty only for languages that mangle a public class name (Java)
	CompileCmd     []string
	RunCmd         []string
	InteractiveCmd []string // container entrypoint for an InteractiveSession's REPL; falls back to a plain shell when empty
	DefaultTimeout int      // ms
	MemoryLimit    string
	CPUQuota       float64
	PIDsLimit      int
	NoFileUlimit   int
	NProcUlimit    int
}

// Invariant (spec.md §3): kind∈{compiled,transpiled} implies CompileCmd is present.
func (c LanguageConfig) validate() error {
	if (c.Kind == KindCompiled || c.Kind == KindTranspiled) && len(c.CompileCmd) == 0 {
		return fmt.Errorf("sandbox: language %q of kind %q has no compile command", c.ID, c.Kind)
	}
	return nil
}

// Catalog is the process-lifetime, read-only set of supported languages.
type Catalog struct {
	byID map[Language]LanguageConfig
}

// NewCatalog builds a Catalog from the given configs, panicking on an
// invariant violation — this runs once at startup against a fixed literal
// table, so a violation is a programming error, not a runtime condition.
func NewCatalog(configs []LanguageConfig) *Catalog {
	c := &Catalog{byID: make(map[Language]LanguageConfig, len(configs))}
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			panic(err)
		}
		c.byID[cfg.ID] = cfg
	}
	return c
}

// DefaultLanguage is the language an InteractiveSession falls back to when
// the client requests one the catalog doesn't know, per spec.md §4.11's
// "language falls back to a default when unsupported" start-up rule.
const DefaultLanguage = LangPython

// Get returns the config for id, and whether it exists.
func (c *Catalog) Get(id Language) (LanguageConfig, bool) {
	cfg, ok := c.byID[id]
	return cfg, ok
}

// List returns all configured languages, for GET /api/languages.
func (c *Catalog) List() []LanguageConfig {
	out := make([]LanguageConfig, 0, len(c.byID))
	for _, cfg := range c.byID {
		out = append(out, cfg)
	}
	return out
}

// DefaultCatalog returns the language set this service ships with.
// Go gets a higher ulimit bump (nofile/nproc 256/128) than the default
// (64/32), matching the teacher's docker_exec.go ulimit override for the
// golang image, and PIDsLimit is correspondingly raised to 128.
func DefaultCatalog() *Catalog {
	return NewCatalog([]LanguageConfig{
		{
			ID: LangPython, DisplayName: "Python", Kind: KindInterpreted,
			Image: "python:3.12-slim", FileName: "main.py",
			RunCmd:         []string{"python3", "main.py"},
			InteractiveCmd: []string{"python3", "-i", "-u"},
			DefaultTimeout: 10000, MemoryLimit: "256m", CPUQuota: 0.5,
			PIDsLimit: 64, NoFileUlimit: 64, NProcUlimit: 32,
		},
		{
			ID: LangJavaScript, DisplayName: "JavaScript", Kind: KindInterpreted,
			Image: "node:20-slim", FileName: "main.js",
			RunCmd:         []string{"node", "main.js"},
			InteractiveCmd: []string{"node"},
			DefaultTimeout: 10000, MemoryLimit: "256m", CPUQuota: 0.5,
			PIDsLimit: 64, NoFileUlimit: 64, NProcUlimit: 32,
		},
		{
			// No InteractiveCmd: ts-node isn't installed in node:20-slim and
			// plain `node` can't evaluate TypeScript syntax, so an
			// interactive session for this language falls back to a shell.
			ID: LangTypeScript, DisplayName: "TypeScript", Kind: KindTranspiled,
			Image: "node:20-slim", FileName: "main.ts",
			CompileCmd: []string{"npx", "--yes", "tsc", "main.ts", "--outFile", "main.js"},
			RunCmd:     []string{"node", "main.js"},
			DefaultTimeout: 15000, MemoryLimit: "384m", CPUQuota: 0.5,
			PIDsLimit: 64, NoFileUlimit: 64, NProcUlimit: 32,
		},
		{
			// No InteractiveCmd: the golang image ships no REPL (gore isn't
			// preinstalled), so an interactive session falls back to a shell.
			ID: LangGo, DisplayName: "Go", Kind: KindCompiled,
			Image: "golang:1.24-alpine", FileName: "main.go",
			CompileCmd: []string{"go", "build", "-o", "main", "main.go"},
			RunCmd:     []string{"./main"},
			DefaultTimeout: 15000, MemoryLimit: "384m", CPUQuota: 0.75,
			PIDsLimit: 128, NoFileUlimit: 256, NProcUlimit: 128,
		},
		{
			// No InteractiveCmd: rustc has no REPL; evcxr isn't part of this
			// image, so an interactive session falls back to a shell.
			ID: LangRust, DisplayName: "Rust", Kind: KindCompiled,
			Image: "rust:1.82-slim", FileName: "main.rs",
			CompileCmd: []string{"rustc", "-O", "main.rs", "-o", "main"},
			RunCmd:     []string{"./main"},
			DefaultTimeout: 20000, MemoryLimit: "384m", CPUQuota: 0.75,
			PIDsLimit: 64, NoFileUlimit: 64, NProcUlimit: 32,
		},
		{
			ID: LangBash, DisplayName: "Bash", Kind: KindInterpreted,
			Image: "alpine:latest", FileName: "script.sh",
			RunCmd:         []string{"sh", "script.sh"},
			InteractiveCmd: []string{"sh"},
			DefaultTimeout: 10000, MemoryLimit: "128m", CPUQuota: 0.25,
			PIDsLimit: 32, NoFileUlimit: 64, NProcUlimit: 32,
		},
		{
			// No InteractiveCmd: `jshell` ships with the JDK but needs a
			// real TTY to be usable; a non-PTY exec session falls back to
			// a shell instead of a half-working jshell session.
			ID: LangJava, DisplayName: "Java", Kind: KindCompiled,
			Image: "eclipse-temurin:21-jdk-alpine", FileName: "Main.java",
			ClassName:  "Main",
			CompileCmd: []string{"javac", "Main.java"},
			RunCmd:     []string{"java", "Main"},
			DefaultTimeout: 15000, MemoryLimit: "384m", CPUQuota: 0.75,
			PIDsLimit: 64, NoFileUlimit: 64, NProcUlimit: 32,
		},
	})
}
