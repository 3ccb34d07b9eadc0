// Package config loads Burrow's YAML configuration file and applies
// defaults for any option left unset.
package config
