// Package prompts renders the instructions handed to agent processes, with
// project and user overrides for the built-in templates.
package prompts

import "embed"

//go:embed templates/*.md
var embeddedFS embed.FS
