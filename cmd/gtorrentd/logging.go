package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logFile *os.File

// initLogging wires a console writer plus an append-mode log file
// (never rotated) into zerolog's global logger.
func initLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	logFilePath := os.Getenv("LOG_FILE")
	if logFilePath == "" {
		logFilePath = "gtorrentd.log"
	}

	logDir := filepath.Dir(logFilePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
			println("error creating log directory: " + err.Error())
		}
	}

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		println("error opening log file: " + err.Error())
	}
	multi := zerolog.MultiLevelWriter(consoleWriter, logFile)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()

	log.Info().Msgf("gtorrentd v%s", version)
}

func shutdownLogging() {
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			println("error closing log file: " + err.Error())
		}
	}
}
