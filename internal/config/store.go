package config

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// Store reads and writes the hub's JSON configuration documents. All IO goes
// through afero so tests can run on an in-memory filesystem.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates a store rooted at the given config directory.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root returns the config directory this store operates on.
func (s *Store) Root() string {
	return s.root
}

type serversDocument struct {
	McpServers map[string]models.ServerConfig `json:"mcpServers"`
}

// LoadServers reads mcp_server.json. A missing file is a ConfigError: the hub
// cannot do anything useful without server definitions.
func (s *Store) LoadServers() (map[string]models.ServerConfig, error) {
	path := ServersPath(s.root)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "checking %s", path)
	}
	if !exists {
		return nil, mcperr.New(mcperr.CodeConfigError, "server config not found: %s", path)
	}

	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "reading %s", path)
	}

	var doc serversDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "invalid JSON in %s", path)
	}
	if doc.McpServers == nil {
		return nil, mcperr.New(mcperr.CodeConfigError, "%s is missing the mcpServers object", path)
	}
	return doc.McpServers, nil
}

// SaveServers writes mcp_server.json pretty-printed with sorted keys.
func (s *Store) SaveServers(servers map[string]models.ServerConfig) error {
	return s.writeJSON(ServersPath(s.root), serversDocument{McpServers: servers})
}

// LoadGroups reads group.json. A missing file yields an empty set; the hub
// synthesises a default group covering all servers in that case.
func (s *Store) LoadGroups() (map[string]models.GroupConfig, error) {
	path := GroupsPath(s.root)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "checking %s", path)
	}
	if !exists {
		return map[string]models.GroupConfig{}, nil
	}

	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "reading %s", path)
	}

	groups := make(map[string]models.GroupConfig)
	if err := json.Unmarshal(content, &groups); err != nil {
		return nil, mcperr.Wrap(mcperr.CodeConfigError, err, "invalid JSON in %s", path)
	}
	for id, g := range groups {
		if g.ID == "" {
			g.ID = id
			groups[id] = g
		}
	}
	return groups, nil
}

// SaveGroups writes group.json pretty-printed with sorted keys. This is the
// only place runtime state (access key hashes) persists.
func (s *Store) SaveGroups(groups map[string]models.GroupConfig) error {
	return s.writeJSON(GroupsPath(s.root), groups)
}

// LoadAPIToolsRaw returns the raw api-tools.json bytes and whether the file
// exists; parsing belongs to the api tools engine.
func (s *Store) LoadAPIToolsRaw() ([]byte, bool, error) {
	path := APIToolsPath(s.root)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, false, mcperr.Wrap(mcperr.CodeConfigError, err, "checking %s", path)
	}
	if !exists {
		return nil, false, nil
	}
	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, false, mcperr.Wrap(mcperr.CodeConfigError, err, "reading %s", path)
	}
	return content, true, nil
}

// SaveAPIToolsRaw writes api-tools.json, re-indenting the document.
func (s *Store) SaveAPIToolsRaw(content []byte) error {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return mcperr.Wrap(mcperr.CodeConfigError, err, "invalid api tools JSON")
	}
	return s.writeJSON(APIToolsPath(s.root), doc)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcperr.Wrap(mcperr.CodeConfigError, err, "encoding %s", path)
	}
	data = append(data, '\n')

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mcperr.Wrap(mcperr.CodeConfigError, err, "creating %s", filepath.Dir(path))
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return mcperr.Wrap(mcperr.CodeConfigError, err, "writing %s", path)
	}
	return nil
}
