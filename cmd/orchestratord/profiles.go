package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"alex/internal/orchestration/model"
)

// loadProfileCatalog reads every *.yaml/*.yml file directly under dir as one
// model.Profile, keyed by its declared Name. There is no profile-store
// implementation to ground this against in the retrieval pack (the teacher
// keeps agent definitions in Go, not in a loaded directory), so the shape
// here is simply one file per profile, same field names as model.Profile.
func loadProfileCatalog(dir string) (model.ProfileCatalog, error) {
	catalog := model.ProfileCatalog{Profiles: map[string]model.Profile{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return catalog, fmt.Errorf("read profile store dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return catalog, fmt.Errorf("read profile file %s: %w", path, err)
		}
		var p model.Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return catalog, fmt.Errorf("parse profile file %s: %w", path, err)
		}
		if p.Name == "" {
			return catalog, fmt.Errorf("profile file %s declares no name", path)
		}
		catalog.Profiles[p.Name] = p
	}
	return catalog, nil
}

// defaultLLMConfigName is the one LLM config entry this binary resolves:
// every profile's LLMConfigRef is expected to name it.
func defaultLLMConfigName() string { return "default" }
