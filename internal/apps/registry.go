// Package apps holds the registry of client applications allowed to
// embed the passkey flow. Each app declares the origins it may call
// from; requests carrying an unregistered app id or origin are refused
// before any ceremony starts.
package apps

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// App is one registered client application.
type App struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Origins []string `yaml:"origins" json:"origins"`
}

type registryFile struct {
	Apps []App `yaml:"apps"`
}

// Registry is an immutable app lookup built at startup.
type Registry struct {
	byID map[string]*App
}

// New builds a registry from a fixed app list.
func New(list []App) *Registry {
	byID := make(map[string]*App, len(list))
	for i := range list {
		app := list[i]
		byID[app.ID] = &app
	}
	return &Registry{byID: byID}
}

// Load reads the registry from a YAML file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse apps file: %w", err)
	}

	for _, app := range file.Apps {
		if app.ID == "" {
			return nil, fmt.Errorf("apps file: app with empty id")
		}
		if len(app.Origins) == 0 {
			return nil, fmt.Errorf("apps file: app %q has no origins", app.ID)
		}
	}

	return New(file.Apps), nil
}

// Get looks up an app by id.
func (r *Registry) Get(id string) (*App, bool) {
	app, ok := r.byID[id]
	return app, ok
}

// AllowedOrigin reports whether the app may call from the given origin.
// Unknown apps are never allowed.
func (r *Registry) AllowedOrigin(appID, origin string) bool {
	app, ok := r.byID[appID]
	if !ok {
		return false
	}
	for _, o := range app.Origins {
		if o == origin {
			return true
		}
	}
	return false
}

// Len reports how many apps are registered.
func (r *Registry) Len() int {
	return len(r.byID)
}
