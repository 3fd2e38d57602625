package analyze

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/modfile"
)

// manifestParser extracts tech stack facts from a manifest file
type manifestParser func(path string, data []byte) []string

var manifests = map[string]manifestParser{
	"go.mod":           parseGoMod,
	"package.json":     jsonDependencies("node", "npm", "dependencies", "devDependencies", "peerDependencies"),
	"composer.json":    jsonDependencies("php", "composer", "require", "require-dev"),
	"requirements.txt": parseRequirements,
	"Cargo.toml":       fixed("rust", "cargo"),
	"pyproject.toml":   fixed("python"),
	"pom.xml":          fixed("java", "maven"),
	"build.gradle":     fixed("java", "gradle"),
	"build.gradle.kts": fixed("kotlin", "gradle"),
	"Gemfile":          fixed("ruby", "bundler"),
	"Dockerfile":       fixed("docker"),
}

func fixed(facts ...string) manifestParser {
	return func(string, []byte) []string { return facts }
}

// parseGoMod reports the module's direct requirements as "go:<module>" facts
func parseGoMod(p string, data []byte) []string {
	facts := []string{"go"}
	f, err := modfile.ParseLax(p, data, nil)
	if err != nil {
		return facts
	}
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		facts = append(facts, "go:"+req.Mod.Path)
	}
	return facts
}

// jsonDependencies reports the keys of the given dependency objects as
// "<ecosystem>:<name>" facts
func jsonDependencies(runtime, ecosystem string, fields ...string) manifestParser {
	return func(_ string, data []byte) []string {
		facts := []string{runtime}
		if !gjson.ValidBytes(data) {
			return facts
		}
		for _, field := range gjson.GetManyBytes(data, fields...) {
			field.ForEach(func(key, _ gjson.Result) bool {
				name := key.String()
				// composer lists platform requirements such as "php" and "ext-json"
				if name != "" && name != "php" && !strings.HasPrefix(name, "ext-") {
					facts = append(facts, ecosystem+":"+name)
				}
				return true
			})
		}
		return facts
	}
}

func parseRequirements(_ string, data []byte) []string {
	facts := []string{"python"}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>!~;[ @"); i >= 0 {
			line = line[:i]
		}
		if line != "" {
			facts = append(facts, "pypi:"+strings.ToLower(line))
		}
	}
	return facts
}
