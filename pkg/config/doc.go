// Package config loads env-tagged configuration structs with caarlos0/env and
// optional .env files with godotenv.
package config
