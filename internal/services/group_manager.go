package services

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"mcphub/internal/config"
	"mcphub/internal/logging"
	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

// DefaultGroupID names the synthesized group behind the unscoped endpoints.
// It spans every managed server unless group.json defines its own "default".
const DefaultGroupID = "default"

// GroupManager owns group configs, their server references and the access
// key lifecycle. Group edits persist through the config store.
type GroupManager struct {
	mu           sync.RWMutex
	store        *config.Store
	groups       map[string]*models.GroupConfig
	validServers map[string]bool
	userDefault  bool

	log *logging.Component
}

// NewGroupManager creates a group manager backed by the given store.
func NewGroupManager(store *config.Store) *GroupManager {
	return &GroupManager{
		store:        store,
		groups:       make(map[string]*models.GroupConfig),
		validServers: make(map[string]bool),
		log:          logging.Named("groups"),
	}
}

// Load reads group.json and installs the groups. References to servers the
// manager does not run are kept on disk but ignored at runtime, with a
// warning. A missing file leaves only the synthesized default group.
func (g *GroupManager) Load(serverIDs []string) error {
	loaded, err := g.store.LoadGroups()
	if err != nil {
		return err
	}

	valid := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		valid[id] = true
	}

	groups := make(map[string]*models.GroupConfig, len(loaded))
	userDefault := false
	for id, cfg := range loaded {
		if id == "" {
			g.log.Warn("skipping group with empty id")
			continue
		}
		cfg := cfg
		for _, ref := range cfg.Servers {
			if !valid[ref] {
				g.log.Warn("group %s references unknown server %q; ignoring the reference", id, ref)
			}
		}
		if id == DefaultGroupID {
			userDefault = true
		}
		groups[id] = &cfg
	}

	g.mu.Lock()
	g.groups = groups
	g.validServers = valid
	g.userDefault = userDefault
	g.mu.Unlock()

	g.log.Info("loaded %d group(s)", len(groups))
	return nil
}

// Reload re-reads group.json, for SIGHUP handling.
func (g *GroupManager) Reload(serverIDs []string) error {
	return g.Load(serverIDs)
}

// defaultGroup synthesizes the all-servers group.
func (g *GroupManager) defaultGroup() models.GroupConfig {
	servers := make([]string, 0, len(g.validServers))
	for id := range g.validServers {
		servers = append(servers, id)
	}
	sort.Strings(servers)
	return models.GroupConfig{
		ID:          DefaultGroupID,
		Name:        "default",
		Description: "All servers",
		Servers:     servers,
	}
}

// Groups lists every group, the default included, sorted by id.
func (g *GroupManager) Groups() []models.GroupConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.GroupConfig, 0, len(g.groups)+1)
	for _, cfg := range g.groups {
		out = append(out, *cfg)
	}
	if !g.userDefault {
		out = append(out, g.defaultGroup())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group returns one group by id.
func (g *GroupManager) Group(groupID string) (models.GroupConfig, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cfg, ok := g.groups[groupID]; ok {
		return *cfg, nil
	}
	if groupID == DefaultGroupID {
		return g.defaultGroup(), nil
	}
	return models.GroupConfig{}, mcperr.New(mcperr.CodeGroupNotFound, "group %q not found", groupID)
}

// ServerIDs returns the group's servers filtered down to ones the manager
// actually runs.
func (g *GroupManager) ServerIDs(groupID string) ([]string, error) {
	cfg, err := g.Group(groupID)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(cfg.Servers))
	for _, ref := range cfg.Servers {
		if g.validServers[ref] {
			out = append(out, ref)
		}
	}
	return out, nil
}

// AllowsTool applies the group tool rule: an empty tools list admits every
// tool from the group's servers, a non-empty list is an allowlist.
func (g *GroupManager) AllowsTool(groupID, toolName string) bool {
	cfg, err := g.Group(groupID)
	if err != nil {
		return false
	}
	if len(cfg.Tools) == 0 {
		return true
	}
	for _, allowed := range cfg.Tools {
		if allowed == toolName {
			return true
		}
	}
	return false
}

// CreateGroup adds and persists a new group. Unknown server references are
// rejected outright here: an explicit edit should fail loudly where a loaded
// file only warns.
func (g *GroupManager) CreateGroup(cfg models.GroupConfig) error {
	if cfg.ID == "" {
		return mcperr.New(mcperr.CodeConfigError, "group id must not be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.groups[cfg.ID]; exists {
		return mcperr.New(mcperr.CodeConfigError, "group %q already exists", cfg.ID)
	}
	for _, ref := range cfg.Servers {
		if !g.validServers[ref] {
			return mcperr.New(mcperr.CodeInvalidGroupReference, "group %q references unknown server %q", cfg.ID, ref)
		}
	}

	g.groups[cfg.ID] = &cfg
	if cfg.ID == DefaultGroupID {
		g.userDefault = true
	}
	return g.persistLocked()
}

// UpdateGroup replaces an existing group's server and tool lists.
func (g *GroupManager) UpdateGroup(cfg models.GroupConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, exists := g.groups[cfg.ID]
	if !exists {
		return mcperr.New(mcperr.CodeGroupNotFound, "group %q not found", cfg.ID)
	}
	for _, ref := range cfg.Servers {
		if !g.validServers[ref] {
			return mcperr.New(mcperr.CodeInvalidGroupReference, "group %q references unknown server %q", cfg.ID, ref)
		}
	}

	// Key material survives edits unless the caller provides its own.
	if cfg.Validation == nil {
		cfg.Validation = current.Validation
	}
	g.groups[cfg.ID] = &cfg
	return g.persistLocked()
}

// DeleteGroup removes a group. The synthesized default cannot be deleted.
func (g *GroupManager) DeleteGroup(groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.groups[groupID]; !exists {
		if groupID == DefaultGroupID {
			return mcperr.New(mcperr.CodeConfigError, "the default group cannot be deleted")
		}
		return mcperr.New(mcperr.CodeGroupNotFound, "group %q not found", groupID)
	}

	delete(g.groups, groupID)
	if groupID == DefaultGroupID {
		g.userDefault = false
	}
	return g.persistLocked()
}

// SetAccessKey hashes and installs an access key for the group, enabling
// validation. The plaintext is never stored.
func (g *GroupManager) SetAccessKey(groupID, key string) error {
	if key == "" {
		return mcperr.New(mcperr.CodeConfigError, "access key must not be empty")
	}
	return g.setKeyHash(groupID, hashAccessKey(key))
}

// RotateAccessKey generates a fresh random key, installs its hash and
// returns the plaintext. This is the only time the plaintext is visible.
func (g *GroupManager) RotateAccessKey(groupID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", mcperr.Wrap(mcperr.CodeServerError, err, "generating access key")
	}
	key := hex.EncodeToString(raw)
	if err := g.setKeyHash(groupID, hashAccessKey(key)); err != nil {
		return "", err
	}
	return key, nil
}

func (g *GroupManager) setKeyHash(groupID, keyHash string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg, err := g.groupForEditLocked(groupID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if cfg.Validation == nil {
		cfg.Validation = &models.GroupValidation{CreatedAt: now}
	}
	cfg.Validation.Enabled = true
	cfg.Validation.KeyHash = keyHash
	cfg.Validation.LastUpdated = now
	return g.persistLocked()
}

// DeleteAccessKey disables validation for the group and drops the hash.
func (g *GroupManager) DeleteAccessKey(groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg, err := g.groupForEditLocked(groupID)
	if err != nil {
		return err
	}
	cfg.Validation = nil
	return g.persistLocked()
}

// groupForEditLocked resolves a group for mutation. Keying the synthesized
// default materializes it into group.json first.
func (g *GroupManager) groupForEditLocked(groupID string) (*models.GroupConfig, error) {
	if cfg, ok := g.groups[groupID]; ok {
		return cfg, nil
	}
	if groupID == DefaultGroupID {
		cfg := g.defaultGroup()
		g.groups[DefaultGroupID] = &cfg
		g.userDefault = true
		return &cfg, nil
	}
	return nil, mcperr.New(mcperr.CodeGroupNotFound, "group %q not found", groupID)
}

// VerifyAccessKey checks a presented key against the group's stored hash.
// Groups without validation admit every caller.
func (g *GroupManager) VerifyAccessKey(groupID, key string) error {
	cfg, err := g.Group(groupID)
	if err != nil {
		return err
	}
	if !cfg.RequiresKey() {
		return nil
	}

	presented := []byte(hashAccessKey(key))
	expected := []byte(cfg.Validation.KeyHash)
	if subtle.ConstantTimeCompare(presented, expected) != 1 {
		return mcperr.New(mcperr.CodeAuthFailed, "invalid access key for group %q", groupID)
	}
	return nil
}

// RequiresKey reports whether callers must present an access key.
func (g *GroupManager) RequiresKey(groupID string) bool {
	cfg, err := g.Group(groupID)
	if err != nil {
		return false
	}
	return cfg.RequiresKey()
}

func (g *GroupManager) persistLocked() error {
	out := make(map[string]models.GroupConfig, len(g.groups))
	for id, cfg := range g.groups {
		out[id] = *cfg
	}
	return g.store.SaveGroups(out)
}

func hashAccessKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
