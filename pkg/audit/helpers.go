package audit

import (
	"strings"
)

// extractResourceType extracts the resource type from a URL path.
// For paths like /api/poa/v1alpha1/orgs/{id}/... it returns "orgs".
func extractResourceType(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	for i, p := range parts {
		switch p {
		case "orgs", "proposals", "beacons", "instances", "machines",
			"deployments", "hats", "events":
			return p
		case "v1alpha1":
			if i+1 < len(parts) {
				next := parts[i+1]
				// Strip action suffix like "proposals/{id}:finalize".
				if colonIdx := strings.Index(next, ":"); colonIdx > 0 {
					return next[:colonIdx]
				}
				return next
			}
		}
	}
	return ""
}

// extractSubject returns the resource identifier a request addresses, the
// path segment after the resource type, with any :action suffix stripped.
func extractSubject(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	resource := extractResourceType(path)
	for i, p := range parts {
		if p == resource && i+1 < len(parts) {
			next := parts[i+1]
			if colonIdx := strings.Index(next, ":"); colonIdx > 0 {
				return next[:colonIdx]
			}
			return next
		}
	}
	return ""
}

// extractActionVerb derives the audit action from method and path. Custom
// actions use the ":verb" suffix; plain mutations map from the method.
func extractActionVerb(method, path string) string {
	if colonIdx := strings.LastIndex(path, ":"); colonIdx > 0 {
		return path[colonIdx+1:]
	}
	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// isManagementEndpoint reports whether the request mutates state and should
// be audited.
func isManagementEndpoint(method, path string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return false
	}
	return strings.HasPrefix(path, "/api/poa/")
}
