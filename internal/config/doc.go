// Package config provides configuration loading and validation for the segment
// server and the recorder. A YAML file is read over built-in defaults and every
// section is validated, with all failures reported together.
package config
