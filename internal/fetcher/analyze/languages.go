package analyze

import (
	"path"
	"strings"
)

var extensionLanguages = map[string]string{
	"go":    "Go",
	"js":    "JavaScript",
	"mjs":   "JavaScript",
	"cjs":   "JavaScript",
	"jsx":   "JavaScript",
	"ts":    "TypeScript",
	"tsx":   "TypeScript",
	"py":    "Python",
	"rb":    "Ruby",
	"rs":    "Rust",
	"java":  "Java",
	"kt":    "Kotlin",
	"scala": "Scala",
	"c":     "C",
	"h":     "C",
	"cc":    "C++",
	"cpp":   "C++",
	"hpp":   "C++",
	"cs":    "C#",
	"php":   "PHP",
	"swift": "Swift",
	"sh":    "Shell",
	"bash":  "Shell",
	"html":  "HTML",
	"css":   "CSS",
	"scss":  "SCSS",
	"vue":   "Vue",
	"lua":   "Lua",
	"ex":    "Elixir",
	"exs":   "Elixir",
	"hs":    "Haskell",
	"dart":  "Dart",
	"sql":   "SQL",
}

// Language returns the programming language of a file, if recognized
func Language(p string) (string, bool) {
	if strings.EqualFold(path.Base(p), "Dockerfile") {
		return "Dockerfile", true
	}
	lang, ok := extensionLanguages[Extension(p)]
	return lang, ok
}
