package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// envFiles are read from the working directory, earlier files first.
// godotenv never overrides a variable that is already set, so the process
// environment wins over both and .env wins over .env.local.
var envFiles = []string{".env", ".env.local"}

// loadEnvFiles loads .env files if present.
func loadEnvFiles() {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("file", f).Msg("failed to load env file")
		}
	}
}
