package obs

import "strings"

// CanonicalPath collapses resource identifiers in known routes so metric
// label cardinality stays bounded. Unknown paths pass through unchanged.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "equipment":
		if len(parts) == 3 {
			return "/v1/equipment/:id"
		}
	case "users":
		switch len(parts) {
		case 3:
			return "/v1/users/:id"
		case 4:
			if parts[3] == "roles" {
				return "/v1/users/:id/roles"
			}
		case 5:
			if parts[3] == "roles" {
				return "/v1/users/:id/roles/:roleID"
			}
		}
	}
	return path
}
