// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// The streaming core never reads the environment itself; ToClobConfig maps a
// loaded file onto the plain structs it takes.
package config
