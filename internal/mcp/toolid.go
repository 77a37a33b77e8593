package mcp

import (
	"strings"
	"unicode"
)

// ToolIDSeparator joins a server name and a tool name in a tool id.
const ToolIDSeparator = "__"

// RegistryKey returns the manager key for a server, scoped to userID when it
// is non-empty.
func RegistryKey(serverID, userID string) string {
	if userID == "" {
		return serverID
	}
	return userID + ":" + serverID
}

// SanitizeServerName maps every rune outside [A-Za-z0-9-] to '-' and trims
// leading and trailing dashes, so the result never contains the separator.
func SanitizeServerName(name string) string {
	s := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
			return r
		}
		return '-'
	}, name)
	return strings.Trim(s, "-")
}

// ToolID builds the flat tool id for toolName on serverName.
func ToolID(serverName, toolName string) string {
	return SanitizeServerName(serverName) + ToolIDSeparator + toolName
}

// ParseToolID splits an id built by [ToolID]. The server part is the
// sanitized name, qualified as "name-id" when two servers of one scope share
// it; the manager's CallToolByServerName resolves either form. ok is false
// when id carries no separator or either part is empty.
func ParseToolID(id string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(id, ToolIDSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
