package workspace

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/shlex"

	"github.com/dontdude/replbox/internal/domain"
)

// LanguageSpec defines how to run one language inside the sandbox.
// CmdTpl is expanded with {dir} (the in-container mount path) and {src}
// (the source file name) and then split into argv.
type LanguageSpec struct {
	Name     string
	Image    string
	FileName string
	CmdTpl   string
}

var languages = map[string]LanguageSpec{
	"python": {
		Name:     "python",
		Image:    "python:3.9",
		FileName: "script.py",
		CmdTpl:   "python -u {dir}/{src}",
	},
	"java": {
		Name:     "java",
		Image:    "openjdk:17",
		FileName: "Solution.java",
		CmdTpl:   `sh -c "cd {dir} && javac {src} && java Solution"`,
	},
	"javascript": {
		Name:     "javascript",
		Image:    "node:16",
		FileName: "script.js",
		CmdTpl:   "node {dir}/{src}",
	},
	"c": {
		Name:     "c",
		Image:    "gcc:latest",
		FileName: "solution.c",
		CmdTpl:   `sh -c "cd {dir} && gcc -o solution {src} && ./solution"`,
	},
	"cpp": {
		Name:     "cpp",
		Image:    "gcc:latest",
		FileName: "solution.cpp",
		CmdTpl:   `sh -c "cd {dir} && g++ -o solution {src} && ./solution"`,
	},
}

var aliases = map[string]string{
	"py":  "python",
	"js":  "javascript",
	"c++": "cpp",
}

// Lookup resolves a language token, case-insensitively, to its LanguageSpec.
func Lookup(language string) (LanguageSpec, error) {
	key := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	spec, ok := languages[key]
	if !ok {
		return LanguageSpec{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, language)
	}
	return spec, nil
}

// ForFile picks the language whose source file extension matches name's.
func ForFile(name string) (LanguageSpec, error) {
	ext := strings.ToLower(path.Ext(name))
	if ext != "" {
		for _, spec := range languages {
			if path.Ext(spec.FileName) == ext {
				return spec, nil
			}
		}
	}
	return LanguageSpec{}, fmt.Errorf("%w: no language for file %q", domain.ErrUnsupportedLanguage, name)
}

// Languages returns the canonical names of all supported languages.
func Languages() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	return names
}

// Command builds the argv that runs the language's source file mounted at dir.
func (l LanguageSpec) Command(dir string) ([]string, error) {
	expanded := strings.ReplaceAll(l.CmdTpl, "{dir}", path.Clean(dir))
	expanded = strings.ReplaceAll(expanded, "{src}", l.FileName)

	argv, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse command template for %s: %w", l.Name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command for %s is empty after expansion", l.Name)
	}
	return argv, nil
}
