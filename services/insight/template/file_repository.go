// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package template

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileDocument is the layout of a template YAML file. A file holds either
// one template at the top level or a list under "templates".
type fileDocument struct {
	ContextTemplate `yaml:",inline"`
	Templates       []*ContextTemplate `yaml:"templates"`
}

// FileRepository loads templates from YAML files in a directory and can
// hot-reload them when the directory changes.
//
// # Thread Safety
//
// Safe for concurrent use. Watch should only be called once.
type FileRepository struct {
	dir    string
	mem    *MemoryRepository
	logger *slog.Logger

	// OnReload is called after every successful reload.
	OnReload func(count int)
}

// NewFileRepository loads every *.yaml / *.yml file under dir.
//
// Outputs:
//
//	*FileRepository - Loaded repository.
//	error - Non-nil if a file cannot be read, parsed or validated.
func NewFileRepository(dir string, logger *slog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRepository{dir: dir, mem: &MemoryRepository{templates: map[string]*ContextTemplate{}}, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// List implements Repository.
func (r *FileRepository) List(ctx context.Context) ([]*ContextTemplate, error) {
	return r.mem.List(ctx)
}

// Get implements Repository.
func (r *FileRepository) Get(ctx context.Context, id string) (*ContextTemplate, error) {
	return r.mem.Get(ctx, id)
}

// Reload re-reads the directory. On error the previous catalog is kept.
func (r *FileRepository) Reload() error {
	templates, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.mem.Replace(templates)
	if r.OnReload != nil {
		r.OnReload(len(templates))
	}
	return nil
}

// Watch reloads the catalog whenever a YAML file in the directory changes.
// Events are debounced. Blocks until ctx is cancelled; run it in a goroutine.
func (r *FileRepository) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch template dir %s: %w", r.dir, err)
	}
	r.logger.Debug("watching template directory", slog.String("dir", r.dir))

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("template reload failed, keeping previous catalog",
					slog.String("dir", r.dir),
					slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("templates reloaded", slog.String("dir", r.dir))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("template watcher error", slog.String("error", err.Error()))
		}
	}
}

// LoadDir parses and validates every template file in dir, sorted by id.
// Duplicate ids across files are rejected.
func LoadDir(dir string) ([]*ContextTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}
	seen := make(map[string]string)
	var out []*ContextTemplate
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		templates, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, t := range templates {
			if prev, dup := seen[t.ID]; dup {
				return nil, fmt.Errorf("%w: template %s defined in %s and %s", ErrInvalidTemplate, t.ID, prev, path)
			}
			seen[t.ID] = path
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadFile parses one template file.
func LoadFile(path string) ([]*ContextTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file %s: %w", path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse template file %s: %w", path, err)
	}
	templates := doc.Templates
	if doc.ID != "" {
		single := doc.ContextTemplate
		templates = append(templates, &single)
	}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return templates, nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
