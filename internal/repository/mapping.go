package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/csvgateway/backend/internal/models"
)

// YAMLMappingRepository loads mapping configs from YAML documents in a
// directory, one file per mapping id. Documents are validated on load so a
// malformed rule fails here, not in the middle of a processing run.
type YAMLMappingRepository struct {
	dir string
}

// NewMappingRepository creates a mapping repository over dir.
func NewMappingRepository(dir string) *YAMLMappingRepository {
	return &YAMLMappingRepository{dir: dir}
}

// FindByID loads and validates the mapping config for the given id.
func (r *YAMLMappingRepository) FindByID(id string) (*models.MappingConfig, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(r.dir, id+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading mapping %s: %w", id, err)
	}

	cfg := &models.MappingConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing mapping %s: %w", id, err)
	}
	if cfg.ID == "" {
		cfg.ID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Rules apply in ascending order regardless of document order.
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Order < cfg.Rules[j].Order
	})

	return cfg, nil
}
