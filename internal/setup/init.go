// Package setup handles ostbuild work-root initialization.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
	"github.com/vrutkovs/ostbuild/internal/config"
	"github.com/vrutkovs/ostbuild/internal/daemon"
	"github.com/vrutkovs/ostbuild/internal/taskdef"
	"github.com/vrutkovs/ostbuild/templates"
)

// Dirs lists the subdirectories of a fresh work root.
var Dirs = []string{
	daemon.TasksDir,
	daemon.SnapshotsDir,
	daemon.TriggersDir,
	daemon.StateDir,
	daemon.LogsDir,
	daemon.LocksDir,
	"quarantine",
}

// Run initializes the .ostbuild/ work root in projectDir and returns its path.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, config.WorkRootName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	data, err := generateConfig(projectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := atomicfile.WriteRaw(filepath.Join(base, config.FileName), data, false); err != nil {
		return "", fmt.Errorf("write %s: %w", config.FileName, err)
	}
	return base, nil
}

// generateConfig fills project.name into the embedded template, keeping its comments, and checks
// that the result loads.
func generateConfig(projectName string) ([]byte, error) {
	tmpl, err := fs.ReadFile(templates.FS, config.FileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(tmpl, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	name := lookup(&doc, "project", "name")
	if name == nil {
		return nil, fmt.Errorf("config template has no project.name")
	}
	name.Value = projectName
	name.Tag = "!!str"
	name.Style = yaml.DoubleQuotedStyle

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	cfg, err := config.Parse(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if _, err := taskdef.NewRegistry(cfg.Tasks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lookup follows a path of mapping keys from the document root.
func lookup(n *yaml.Node, path ...string) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, key := range path {
		if n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}
