package ingest

import (
	"embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/david/grant-tracker/internal/models"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry lists organizations and the grant pages scanned on their behalf.
type Registry struct {
	Organizations []OrganizationConfig `yaml:"organizations"`
}

// OrganizationConfig is one organization's scan list.
type OrganizationConfig struct {
	ID      string               `yaml:"id"`
	Name    string               `yaml:"name"`
	RunType models.RunType       `yaml:"run_type,omitempty"`
	Sources []models.GrantSource `yaml:"sources"`
}

// LoadRegistry reads the registry at path, falling back to the embedded
// default when path is empty or unreadable. ${VAR} references are expanded
// from the environment.
func LoadRegistry(path string) (*Registry, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
	}
	if path == "" || err != nil {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
		if err != nil {
			return nil, err
		}
	}

	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, err
	}
	for i := range reg.Organizations {
		for j := range reg.Organizations[i].Sources {
			reg.Organizations[i].Sources[j].OrganizationID = reg.Organizations[i].ID
		}
	}
	return &reg, nil
}

// Organization returns the entry whose id or name matches key.
func (r *Registry) Organization(key string) (*OrganizationConfig, bool) {
	for i := range r.Organizations {
		o := &r.Organizations[i]
		if o.ID == key || strings.EqualFold(o.Name, key) {
			return o, true
		}
	}
	return nil, false
}

// ActiveURLs returns the URLs of the organization's active sources in file order.
func (o *OrganizationConfig) ActiveURLs() []string {
	var urls []string
	for _, s := range o.Sources {
		if s.IsActive && strings.TrimSpace(s.URL) != "" {
			urls = append(urls, strings.TrimSpace(s.URL))
		}
	}
	return urls
}

// Request builds a run request for every active source of the organization.
func (o *OrganizationConfig) Request() RunRequest {
	return RunRequest{
		OrganizationID: o.ID,
		SourceURLs:     o.ActiveURLs(),
		RunType:        o.RunType,
	}
}
