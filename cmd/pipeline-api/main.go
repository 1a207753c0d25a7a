// @title Movie Pipeline API
// @version 1.0
// @description Fetch, land and transform movie metadata.
// @BasePath /api/v1
package main

import (
	"context"
	"os"

	"movie-pipeline/internal/cli"
	"movie-pipeline/internal/config"
	"movie-pipeline/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG_FILE"))
	if err != nil {
		logging.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	logging.Init(cfg.Logging)

	if err := cli.Serve(context.Background(), cfg); err != nil {
		logging.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
