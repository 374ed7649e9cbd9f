// Package config handles YAML configuration loading with environment
// variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. A .env file in the working directory, when present, is
// loaded before expansion. The backend address falls back to the
// ATHENA_WS_URL environment variable and then to ws://localhost:8000.
package config
