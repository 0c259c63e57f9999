package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/danmuck/uspagent/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("uspagent .env not loaded")
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
