// Package config loads the botd configuration from a JSON or YAML file and
// fills in defaults for the ledger, queue, logging and metrics sections.
package config
