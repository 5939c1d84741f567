package capture

import (
	"regexp"
	"sort"
	"strings"
)

// Import extraction pulls dependency hints out of code blocks so code_exec
// events carry what the snippet needs to run. Regex-based on purpose: the
// code may not even parse, and a best-effort hint is still useful.

var (
	pyImportRe = regexp.MustCompile(`(?m)^\s*import\s+([a-zA-Z_][\w.]*)`)
	pyFromRe   = regexp.MustCompile(`(?m)^\s*from\s+([a-zA-Z_][\w.]*)\s+import\b`)

	goImportSingleRe = regexp.MustCompile(`(?m)^\s*import\s+(?:\w+\s+)?"([^"]+)"`)
	goImportBlockRe  = regexp.MustCompile(`(?ms)^\s*import\s*\((.*?)\)`)
	goImportLineRe   = regexp.MustCompile(`(?:\w+\s+)?"([^"]+)"`)

	jsRequireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	jsImportRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
)

// ExtractImports returns the modules a code block imports, deduplicated and
// sorted. Python imports are reduced to their top-level package.
func ExtractImports(language, code string) []string {
	set := make(map[string]bool)
	switch strings.ToLower(language) {
	case "python", "python3", "py":
		for _, m := range pyImportRe.FindAllStringSubmatch(code, -1) {
			set[strings.SplitN(m[1], ".", 2)[0]] = true
		}
		for _, m := range pyFromRe.FindAllStringSubmatch(code, -1) {
			set[strings.SplitN(m[1], ".", 2)[0]] = true
		}
	case "go", "golang":
		for _, m := range goImportSingleRe.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
		for _, block := range goImportBlockRe.FindAllStringSubmatch(code, -1) {
			for _, m := range goImportLineRe.FindAllStringSubmatch(block[1], -1) {
				set[m[1]] = true
			}
		}
	case "javascript", "js", "typescript", "ts", "node":
		for _, m := range jsRequireRe.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
		for _, m := range jsImportRe.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// File path extraction finds artifacts an agent produced, from three signal
// classes: write patterns in code, "saved to" phrases in tool output, and
// bare paths with a known extension anywhere in a message.

var (
	pyOpenWriteRe = regexp.MustCompile(`open\(\s*['"]([^'"]+)['"]\s*,\s*['"][wa]b?['"]`)
	osCreateRe    = regexp.MustCompile(`os\.Create\(\s*"([^"]+)"\s*\)`)
	shellRedirRe  = regexp.MustCompile(`>>?\s*([\w./-]+\.\w+)`)
	savedPhraseRe = regexp.MustCompile(`(?i)(?:saved (?:to|as)|written to|created file|wrote)\s+['"]?([\w./-]+\.\w+)['"]?`)
	barePathRe    = regexp.MustCompile(`(?:^|[\s'"(=])([\w-]+(?:/[\w.-]+)*\.(?:py|go|js|ts|json|csv|tsv|md|txt|html|css|yaml|yml|toml|xml|png|jpg|jpeg|svg|pdf|parquet|pkl|bin|log|sh))(?:$|[\s'")\],:;])`)
)

// ExtractFilePaths scans free text (code, tool output, agent messages) for
// produced file paths, in order of first appearance.
func ExtractFilePaths(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, re := range []*regexp.Regexp{pyOpenWriteRe, osCreateRe, shellRedirRe, savedPhraseRe, barePathRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	}
	return out
}

// FileExtension returns the lowercase extension without the dot.
func FileExtension(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

var textualExtensions = map[string]bool{
	"py": true, "go": true, "js": true, "ts": true, "json": true, "csv": true,
	"tsv": true, "md": true, "txt": true, "html": true, "css": true,
	"yaml": true, "yml": true, "toml": true, "xml": true, "log": true,
	"sh": true, "svg": true,
}

// TextualExtension reports whether files with this extension get content
// embedded in their file_gen event.
func TextualExtension(ext string) bool { return textualExtensions[ext] }
