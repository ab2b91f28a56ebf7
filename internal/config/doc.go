// Package config loads the agentd YAML configuration. The file path comes
// from the --config flag unless AGENTIDE_CONFIG is set; relative paths inside
// the file are resolved against the file's directory.
package config
