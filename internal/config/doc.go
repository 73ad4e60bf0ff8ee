// Package config loads the YAML configuration file: the shared folders, the
// device identity and the tunables of every component. Any error returned by
// Load is fatal at startup.
package config
