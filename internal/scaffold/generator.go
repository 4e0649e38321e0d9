// Package scaffold writes starter configuration files from named
// templates, refusing to overwrite existing files unless forced.
package scaffold

import (
	"fmt"
	"os"
)

// Templates lists the available template names.
func Templates() []string { return []string{"minimal", "full"} }

// Generate writes the named template to path. Existing files are never
// overwritten unless force is set.
func Generate(template, path string, force bool) error {
	var content string
	switch template {
	case "minimal":
		content = minimalTemplate
	case "", "full":
		content = fullTemplate
	default:
		return fmt.Errorf("unknown template %q (available: minimal, full)", template)
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
