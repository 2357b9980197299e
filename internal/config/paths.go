package config

import (
	"os"
	"path/filepath"
)

const (
	ServersFileName  = "mcp_server.json"
	GroupsFileName   = "group.json"
	APIToolsFileName = "api-tools.json"
)

// GetConfigRoot returns the hub configuration directory. CONFIG_PATH wins;
// otherwise the XDG config home is used, falling back to ~/.config.
func GetConfigRoot() string {
	if configDir := os.Getenv("CONFIG_PATH"); configDir != "" {
		return configDir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcphub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mcphub")
}

// ServersPath returns the path of mcp_server.json under root.
func ServersPath(root string) string {
	return filepath.Join(root, ServersFileName)
}

// GroupsPath returns the path of group.json under root.
func GroupsPath(root string) string {
	return filepath.Join(root, GroupsFileName)
}

// APIToolsPath returns the path of api-tools.json under root.
func APIToolsPath(root string) string {
	return filepath.Join(root, APIToolsFileName)
}
