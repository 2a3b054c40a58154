// Package config loads the pairagent runtime configuration: a JSON file with
// defaults, overlaid by environment variables (optionally read from a .env
// file). The result is immutable once Load returns.
package config
