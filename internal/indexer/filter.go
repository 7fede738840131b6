package indexer

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// ExcludeReason names why the filter pipeline rejected a file.
type ExcludeReason string

// Exclusion reasons, in pipeline order. Empty means the file passed.
const (
	ExcludeNone       ExcludeReason = ""
	ExcludeTooLarge   ExcludeReason = "too_large"
	ExcludeBinaryExt  ExcludeReason = "binary_extension"
	ExcludeSkipDir    ExcludeReason = "skip_directory"
	ExcludeLockFile   ExcludeReason = "lock_file"
	ExcludeGenerated  ExcludeReason = "generated"
	ExcludeUserGlob   ExcludeReason = "user_exclude"
	ExcludeGitIgnored ExcludeReason = "git_ignored"
	ExcludeBinary     ExcludeReason = "binary_content"
	ExcludeNoInclude  ExcludeReason = "no_include_match"
)

// binarySniffBytes is how much of a file is inspected for null bytes.
const binarySniffBytes = 8192

// binaryExtensions are skipped without reading the file.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".svg": true, ".webp": true, ".tiff": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".xz": true,
	".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true,
	".o": true, ".bin": true, ".wasm": true, ".class": true, ".pyc": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true,
	".mkv": true, ".flac": true, ".ogg": true, ".webm": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".db": true, ".sqlite": true, ".sqlite3": true,
}

// skipDirs prune the walk entirely.
var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".git":         true,
	"coverage":     true,
	"vendor":       true,
	".reviewloop":  true,
}

// lockFiles are machine-written dependency manifests.
var lockFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Cargo.lock":        true,
	"go.sum":            true,
	"composer.lock":     true,
	"Gemfile.lock":      true,
	"poetry.lock":       true,
	"uv.lock":           true,
}

// generatedPatterns match minified, generated, and tooling-config
// artifacts by basename.
var generatedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.min\.(js|css)$`),
	regexp.MustCompile(`\.map$`),
	regexp.MustCompile(`\.d\.ts$`),
	regexp.MustCompile(`rc$`), // .eslintrc, .npmrc, .babelrc
	regexp.MustCompile(`\.config\.(js|cjs|mjs|ts)$`),
	regexp.MustCompile(`(?i)\.generated\.`),
	regexp.MustCompile(`_pb2?\.(go|py)$`),
	regexp.MustCompile(`\.pb\.go$`),
}

// codeExtensions are the default indexable code file types.
var codeExtensions = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".mts":   "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".vue":   "vue",
	".svelte": "svelte",
	".tf":    "hcl",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".css":   "css",
	".scss":  "css",
}

// DetectLanguage maps a path to a language identifier, empty when unknown.
func DetectLanguage(path string) string {
	return codeExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsMarkdown reports whether the path is a markdown document.
func IsMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Filter applies the exclusion pipeline to candidate files. The git
// check-ignore stage runs separately in batch, after the local stages.
type Filter struct {
	maxFileBytes int64
	maxDocBytes  int64
	include      []glob.Glob
	exclude      []glob.Glob
}

// NewFilter compiles the include and exclude glob patterns.
func NewFilter(maxFileBytes, maxDocBytes int64, include, exclude []string) (*Filter, error) {
	f := &Filter{
		maxFileBytes: maxFileBytes,
		maxDocBytes:  maxDocBytes,
	}
	var err error
	if f.include, err = compileGlobs(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileGlobs(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeConfigInvalid, err, "compile glob %q", p)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// SkipDir reports whether a directory component prunes the walk.
func (f *Filter) SkipDir(name string) bool {
	return skipDirs[name] || strings.HasPrefix(name, ".") && name != "." && name != ".github"
}

// Check runs the local pipeline stages in order against one file.
// relPath uses forward slashes; size is the file size in bytes.
func (f *Filter) Check(relPath string, size int64) ExcludeReason {
	base := filepath.Base(relPath)

	limit := f.maxFileBytes
	if IsMarkdown(relPath) {
		limit = f.maxDocBytes
	}
	if limit > 0 && size > limit {
		return ExcludeTooLarge
	}

	if binaryExtensions[strings.ToLower(filepath.Ext(base))] {
		return ExcludeBinaryExt
	}

	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if skipDirs[part] {
			return ExcludeSkipDir
		}
	}

	if lockFiles[base] {
		return ExcludeLockFile
	}

	for _, re := range generatedPatterns {
		if re.MatchString(base) {
			return ExcludeGenerated
		}
	}

	slashPath := filepath.ToSlash(relPath)
	for _, g := range f.exclude {
		if g.Match(slashPath) || g.Match(base) {
			return ExcludeUserGlob
		}
	}

	if !f.matchesInclude(slashPath) {
		return ExcludeNoInclude
	}

	return ExcludeNone
}

// matchesInclude checks explicit include patterns, or the built-in
// defaults (code extensions plus markdown) when none are configured.
func (f *Filter) matchesInclude(slashPath string) bool {
	if len(f.include) == 0 {
		return DetectLanguage(slashPath) != "" || IsMarkdown(slashPath)
	}
	base := filepath.Base(slashPath)
	for _, g := range f.include {
		if g.Match(slashPath) || g.Match(base) {
			return true
		}
	}
	return false
}

// IsBinaryContent sniffs for a null byte in the first 8 KiB.
func IsBinaryContent(data []byte) bool {
	if len(data) > binarySniffBytes {
		data = data[:binarySniffBytes]
	}
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return false
}
