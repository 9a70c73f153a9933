// Package config loads named YAML configurations with viper, applies environment
// overrides and hot-reloads them when the file changes.
//
// A configuration named "metricq" is read from <basePath>/metricq.yaml or
// <basePath>/<env>/metricq.yaml, and METRICQ_<KEY> environment variables override
// keys present in the file.
package config

import "errors"

// ErrConfigNotFound is returned by GetConfig for a name that was never loaded.
var ErrConfigNotFound = errors.New("config not found")

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}
