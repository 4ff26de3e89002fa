// Package kube reconciles the per-team Kubernetes workloads: pipeline
// CronJobs, dedicated agent Deployments and their Services. All objects
// are named ifox-{org}-{team}-{kind} and labeled so one kubectl
// selector finds everything the platform manages.
package kube

import "strings"

// Component label values for managed objects.
const (
	ComponentPipeline  = "pipeline"
	ComponentDiscovery = "discovery"
	ComponentAgent     = "agent"
	ComponentBootstrap = "bootstrap"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "incidentfox"
	orgLabel       = "incidentfox.ai/org"
	teamLabel      = "incidentfox.ai/team"
	componentLabel = "incidentfox.ai/component"
	nameLabel      = "app.kubernetes.io/name"
)

// maxNameLength is the DNS-1123 label limit.
const maxNameLength = 63

// SanitizeName lowercases s and maps it onto the DNS-1123 label
// alphabet. Separator-like runes become hyphens, anything else is
// dropped, runs of hyphens collapse, and the result is trimmed and
// truncated to 63 characters.
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '_' || r == ' ' || r == '/':
			b.WriteByte('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")
	if len(out) > maxNameLength {
		out = strings.TrimRight(out[:maxNameLength], "-")
	}
	return out
}

// ObjectName builds the canonical name for a managed object:
// ifox-{org}-{team}-{kind}, sanitized and length-capped.
func ObjectName(org, team, kind string) string {
	name := "ifox-" + SanitizeName(org) + "-" + SanitizeName(team) + "-" + SanitizeName(kind)
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-")
	}
	return name
}

// Labels returns the standard label set for a managed object.
func Labels(org, team, component string) map[string]string {
	return map[string]string{
		managedByLabel: managedByValue,
		orgLabel:       SanitizeName(org),
		teamLabel:      SanitizeName(team),
		componentLabel: component,
	}
}
