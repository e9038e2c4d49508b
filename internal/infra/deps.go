package infra

import (
	"os/exec"
)

// RequiredTools are the binaries the collaborator scripts call.
var RequiredTools = []string{"bash", "ip", "nft", "systemctl", "pgrep", "pkill", "nmcli", "curl"}

// Dependency reports whether one tool resolved on PATH.
type Dependency struct {
	Name  string
	Path  string
	Found bool
}

// CheckDependencies resolves each tool on PATH, in the given order.
func CheckDependencies(tools []string) []Dependency {
	return checkWith(tools, exec.LookPath)
}

func checkWith(tools []string, lookPath func(string) (string, error)) []Dependency {
	deps := make([]Dependency, 0, len(tools))
	for _, name := range tools {
		path, err := lookPath(name)
		deps = append(deps, Dependency{Name: name, Path: path, Found: err == nil})
	}
	return deps
}

// MissingDependencies returns the names of tools that were not found.
func MissingDependencies(deps []Dependency) []string {
	var missing []string
	for _, d := range deps {
		if !d.Found {
			missing = append(missing, d.Name)
		}
	}
	return missing
}
