// Package config loads the export queue's settings from flags, environment
// variables, an optional dotenv file and an optional config file, and
// validates them before anything connects to a database.
package config
