package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"gtorrent/config"
	"gtorrent/engine"
)

// runVerify rechecks a torrent's content on disk against its piece
// hashes without starting the swarm.
func runVerify(torrentPath, contentPath string) error {
	e, err := engine.InitFromFile(torrentPath, engine.Options{
		DestDir:     contentPath,
		FdCacheSize: config.Main.FdCacheSize,
	})
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}
	defer e.Close()

	if err := e.Recheck(); err != nil {
		return fmt.Errorf("recheck: %w", err)
	}

	stats := e.GetStats()
	log.Info().
		Float64("percent_complete", stats.PercentComplete*100).
		Int64("left", stats.LeftUntilDone).
		Msg("verify complete")
	fmt.Printf("%.2f%% complete\n", stats.PercentComplete*100)
	return nil
}
