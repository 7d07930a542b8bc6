// Package config loads and validates the broker daemon configuration
// from a YAML file.
package config
