// Package config loads the worker and CLI configuration.
//
// Values are layered: built-in defaults, then the TOML file, then a .env file
// next to it (if any), then VODFORGE_* environment variables. Validate runs
// last and rejects anything the pipeline cannot start with, including a
// missing manifest order.
package config
