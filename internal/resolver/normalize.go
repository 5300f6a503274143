package resolver

import "strings"

// Namespaces are derived from project names by a lossy transliteration
// (lower-casing, underscores becoming hyphens), so exact string equality is
// not enough to match a namespace back to its registry project.

// Normalize canonicalizes a project or namespace name for comparison:
// lower-case, underscores folded to hyphens, surrounding whitespace dropped.
func Normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, "_", "-")
}

// NameMatches reports whether a namespace corresponds to a project name
// under the platform's naming conventions.
func NameMatches(namespace, projectName string) bool {
	return Normalize(namespace) == Normalize(projectName)
}

// systemProjects are platform-owned projects that never bill to a tenant.
// Compared in normalized form.
var systemProjects = map[string]struct{}{
	"kubeflow":        {},
	"istio-system":    {},
	"knative-serving": {},
	"platform-system": {},
	"shared-infra":    {},
	"model-registry":  {},
}

// IsSystemProject reports whether a name belongs to a recognized
// platform-internal project. System projects are skipped silently; they are
// not diagnostics-worthy.
func IsSystemProject(name string) bool {
	_, ok := systemProjects[Normalize(name)]
	return ok
}
