// Package config loads gateway configuration from YAML with ${ENV}
// expansion and duration parsing.
package config
