package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GroupContainerConfig overrides per-group container behaviour for a
// registered chat group.
type GroupContainerConfig struct {
	TimeoutSeconds   int      `yaml:"timeout_seconds,omitempty"`
	AdditionalMounts []string `yaml:"additional_mounts,omitempty"`
}

// GroupDef is the on-disk representation of a registered chat group, loaded
// at startup to bootstrap internal/registry's store.
type GroupDef struct {
	JID              string                `yaml:"jid"`
	DisplayName      string                `yaml:"display_name"`
	Folder           string                `yaml:"folder"`
	ServerFolder     string                `yaml:"server_folder,omitempty"`
	TriggerPattern   string                `yaml:"trigger_pattern"`
	RequiresTrigger  bool                  `yaml:"requires_trigger"`
	Backend          string                `yaml:"backend,omitempty"`
	Container        *GroupContainerConfig `yaml:"container,omitempty"`
}

// GroupsFile is the top-level shape of groups.yaml.
type GroupsFile struct {
	Groups []GroupDef `yaml:"groups"`
}

// LoadGroups reads <homeDir>/groups.yaml. A missing file yields an empty,
// non-error result — an orchestrator with zero pre-registered groups still
// auto-registers chats on first message.
func LoadGroups(homeDir string) ([]GroupDef, error) {
	path := filepath.Join(homeDir, "groups.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var gf GroupsFile
	if err := yaml.Unmarshal(b, &gf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return gf.Groups, nil
}
