package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeeshofone/ApocaCache/internal/catalog"
	"gopkg.in/yaml.v3"
)

// DownloadListFile is the operator's list of content to mirror, read from the config directory.
const DownloadListFile = "download-list.yaml"

// DownloadList mirrors download-list.yaml.
type DownloadList struct {
	Content []ContentEntry `yaml:"content"`
	Options Options        `yaml:"options"`
}

// ContentEntry selects content by name prefix, optionally narrowed by language and category.
type ContentEntry struct {
	Name        string `yaml:"name"`
	Language    string `yaml:"language"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// Options override the environment when present in the file.
type Options struct {
	MaxConcurrentDownloads *int  `yaml:"max_concurrent_downloads"`
	RetryAttempts          *int  `yaml:"retry_attempts"`
	VerifyDownloads        *bool `yaml:"verify_downloads"`
	CleanupIncomplete      *bool `yaml:"cleanup_incomplete"`
}

// LoadDownloadList parses the file at path. A missing file yields an empty list.
func LoadDownloadList(path string) (*DownloadList, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &DownloadList{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var list DownloadList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i, c := range list.Content {
		if c.Name == "" {
			return nil, fmt.Errorf("%s: content entry %d has no name", path, i)
		}
	}

	return &list, nil
}

// Apply merges a download list into the configuration.
func (c *Config) Apply(list *DownloadList) {
	if list == nil {
		return
	}

	for _, e := range list.Content {
		c.Selections = append(c.Selections, catalog.Selection{Name: e.Name, Language: e.Language, Category: e.Category})
	}

	o := list.Options

	if o.MaxConcurrentDownloads != nil {
		c.MaxConcurrentDownloads = *o.MaxConcurrentDownloads
	}

	if o.RetryAttempts != nil {
		c.RetryAttempts = *o.RetryAttempts
	}

	if o.VerifyDownloads != nil {
		c.VerifyDownloads = *o.VerifyDownloads
	}

	if o.CleanupIncomplete != nil {
		c.CleanupIncomplete = *o.CleanupIncomplete
	}
}
