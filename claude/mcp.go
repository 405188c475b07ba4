package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// mcpServerConfig is the CLI's MCP config file schema, narrowed to the
// single permission-prompt server this service provides.
type mcpServerConfig struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

// WriteMCPConfig renders the permission-prompt MCP server definition into
// dir and returns the file path. The supervisor passes it to every spawn via
// --mcp-config.
func WriteMCPConfig(dir, permissionServerURL string) (string, error) {
	cfg := mcpConfig{
		MCPServers: map[string]mcpServerConfig{
			"permissions": {
				Type: "http",
				URL:  permissionServerURL,
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mcp config: %w", err)
	}

	path := filepath.Join(dir, "mcp-permissions.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write mcp config: %w", err)
	}
	return path, nil
}

// RemoveMCPConfig deletes a previously written config file. Missing files
// are fine.
func RemoveMCPConfig(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mcp config: %w", err)
	}
	return nil
}
