package env

import (
	"bytes"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/subosito/gotenv"
)

// ProjectFiles are the dotenv files read from a project directory, in
// order. Later files override earlier ones.
var ProjectFiles = []string{".env", ".env.local", ".env.development"}

// ReadProject returns the variables declared by the dotenv files in dir.
// Missing or unreadable files contribute nothing.
func ReadProject(dir string) map[string]string {
	out := make(map[string]string)
	for _, name := range ProjectFiles {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		maps.Copy(out, ParseFile(b))
	}
	return out
}

// ParseFile parses dotenv content. Lines of a malformed file that parse on
// their own are kept.
func ParseFile(b []byte) map[string]string {
	if vars, err := gotenv.StrictParse(bytes.NewReader(b)); err == nil {
		return vars
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		if vars, err := gotenv.Unmarshal(line); err == nil {
			maps.Copy(out, vars)
		}
	}
	return out
}

// Diff is one key of a comparison. A nil side means the key is absent.
type Diff struct {
	Left  *string `json:"project1,omitempty"`
	Right *string `json:"project2,omitempty"`
	Match bool    `json:"match"`
}

// Compare reports every key of a and b. Match is true only when both
// declare the key with the same value.
func Compare(a, b map[string]string) map[string]Diff {
	out := make(map[string]Diff, len(a)+len(b))
	for k := range a {
		out[k] = diffOf(a, b, k)
	}
	for k := range b {
		if _, seen := out[k]; !seen {
			out[k] = diffOf(a, b, k)
		}
	}
	return out
}

func diffOf(a, b map[string]string, k string) Diff {
	var d Diff
	if v, ok := a[k]; ok {
		d.Left = &v
	}
	if v, ok := b[k]; ok {
		d.Right = &v
	}
	d.Match = d.Left != nil && d.Right != nil && *d.Left == *d.Right
	return d
}
