package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"gtorrent/config"
)

const version = "0.1.0"

var cli struct {
	Verify struct {
		Torrent     string `arg:"" help:"Torrent file to verify." type:"existingfile"`
		ContentPath string `arg:"" help:"Path to the content files." type:"existingdir"`
	} `cmd:"" help:"Verify downloaded content against a torrent file."`
	Download struct {
		Torrent string `arg:"" help:"Torrent file to download." type:"existingfile"`
	} `cmd:"" help:"Download a torrent file."`
}

func main() {
	initConfig()
	initLogging()
	defer shutdownLogging()

	ctx := kong.Parse(&cli)
	switch ctx.Command() {
	case "verify <torrent> <content-path>":
		if err := runVerify(cli.Verify.Torrent, cli.Verify.ContentPath); err != nil {
			log.Error().Err(err).Msg("verify failed")
			os.Exit(1)
		}
	case "download <torrent>":
		if err := runDownload(cli.Download.Torrent); err != nil {
			log.Error().Err(err).Msg("download failed")
			os.Exit(1)
		}
	default:
		ctx.PrintUsage(false)
	}
}

func initConfig() {
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("failed to create cache directory")
	}
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("failed to create download directory")
	}
}
