// Package templates embeds the default work-root configuration.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
