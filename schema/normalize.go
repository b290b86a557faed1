package schema

import (
	"strings"
	"unicode"
)

// NormalizeModelID validates and normalizes a model identifier.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-', '[', ']'.
func NormalizeModelID(model string) (ModelID, error) {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return "", ErrInvalidModel
	}
	for _, r := range trimmed {
		if r == '.' || r == '_' || r == '-' || r == '[' || r == ']' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidModel
	}
	return ModelID(trimmed), nil
}

// NormalizePermissionMode validates a permission mode; empty means default.
func NormalizePermissionMode(value string) (PermissionMode, error) {
	switch mode := PermissionMode(strings.TrimSpace(value)); mode {
	case "":
		return PermissionDefault, nil
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
		return mode, nil
	default:
		return "", ErrInvalidPermissionMode
	}
}

// ValidateAgentID ensures an agent id matches [A-Za-z0-9._-] with no normalization.
// Agent ids become socket file names, so path separators are rejected.
func ValidateAgentID(agentID AgentID) error {
	raw := string(agentID)
	if raw == "" || len(raw) > 64 {
		return ErrInvalidAgent
	}
	if strings.TrimSpace(raw) != raw || raw == "." || raw == ".." {
		return ErrInvalidAgent
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidAgent
	}
	return nil
}
