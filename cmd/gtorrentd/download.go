package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"gtorrent/config"
	"gtorrent/engine"
	"gtorrent/metainfo"
	"gtorrent/ratelimit"
	"gtorrent/resume"
	"gtorrent/tracker"
	"gtorrent/utils"
)

const (
	announceInterval  = 30 * time.Second
	progressInterval  = 5 * time.Second
	dialTimeout       = 10 * time.Second
	maxPeersPerRound  = 30
)

// runDownload loads a torrent, restores any fast-resume state, and
// drives it to completion: announcing to its tracker, accepting
// inbound peers, and periodically persisting progress.
func runDownload(torrentPath string) error {
	info, err := metainfo.LoadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}

	store, err := resume.Open(config.Main.DB.Path)
	if err != nil {
		return fmt.Errorf("open resume store: %w", err)
	}
	defer store.Close()

	infoHashHex := hex.EncodeToString(info.InfoHash[:])
	snap, err := store.Load(infoHashHex)
	if err != nil {
		return fmt.Errorf("load resume state: %w", err)
	}

	destDir := filepath.Join(config.Main.DownloadDir, info.Name)
	if snap != nil {
		destDir = snap.DestDir
	}
	if err := os.MkdirAll(destDir, os.ModePerm); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	selfID, err := newSelfID()
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	global := ratelimit.NewGlobal(config.Main.DownLimit, config.Main.UpLimit)
	opts := engine.Options{
		DestDir:     destDir,
		SelfID:      selfID,
		Global:      global,
		RateMode:    ratelimit.ModeGlobal,
		FdCacheSize: config.Main.FdCacheSize,
		ListenPort:  config.Main.ListenPort,
	}

	var e *engine.Engine
	if snap != nil {
		e, err = engine.InitFromSavedHash(info, opts)
	} else {
		e, err = engine.InitFromData(info, opts)
	}
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer e.Close()

	if snap != nil {
		if err := snap.ApplyTo(e); err != nil {
			return fmt.Errorf("apply resume state: %w", err)
		}
		log.Info().Str("info_hash", infoHashHex).Msg("resumed from saved state")
	}

	e.SetResumeHook(func() {
		status := resume.RunStatusStopped
		if e.GetStats().State == engine.Running {
			status = resume.RunStatusRunning
		}
		if err := store.Save(e, status); err != nil {
			log.Warn().Err(err).Msg("failed to persist resume state")
		}
	})

	if err := e.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	stopListening := listenForInboundPeers(e, config.Main.ListenPort)
	defer stopListening()

	stopAnnouncing := announceLoop(e, info, selfID, config.Main.ListenPort)
	defer stopAnnouncing()

	reportProgress(e)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	if err := e.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop")
	}
	return store.Save(e, resume.RunStatusStopped)
}

// listenForInboundPeers accepts incoming peer connections on port and
// hands each to the engine until the returned func is called.
func listenForInboundPeers(e *engine.Engine, port uint16) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Warn().Err(err).Uint16("port", port).Msg("inbound listener disabled")
		return func() {}
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := e.AddInboundPeer(conn); err != nil {
					log.Debug().Err(err).Str("addr", conn.RemoteAddr().String()).Msg("inbound peer rejected")
				}
			}()
		}
	}()
	return func() { ln.Close() }
}

// announceLoop periodically announces to the torrent's tracker(s) and
// dials the peers it returns.
func announceLoop(e *engine.Engine, info *metainfo.TorrentInfo, selfID [20]byte, port uint16) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(announceInterval)
		defer ticker.Stop()
		announceOnce(e, info, selfID, port)
		for {
			select {
			case <-ticker.C:
				announceOnce(e, info, selfID, port)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func announceOnce(e *engine.Engine, info *metainfo.TorrentInfo, selfID [20]byte, port uint16) {
	urls := info.AnnounceList
	if len(urls) == 0 {
		return
	}
	for _, u := range urls {
		tr, err := tracker.New(u)
		if err != nil {
			log.Debug().Err(err).Str("tracker", u).Msg("unsupported tracker")
			continue
		}
		stats := e.GetStats()
		peers, err := tr.GetPeers(info.InfoHash, info.TotalLength, tracker.AnnounceRequest{
			SelfID:     selfID,
			Port:       port,
			Uploaded:   stats.Uploaded,
			Downloaded: stats.Downloaded,
			Left:       stats.LeftUntilDone,
			Event:      tracker.EventNone,
		})
		if err != nil {
			log.Debug().Err(err).Str("tracker", u).Msg("announce failed")
			continue
		}
		log.Debug().Str("tracker", u).Int("peers", len(peers)).Msg("announce ok")

		n := len(peers)
		if n > maxPeersPerRound {
			n = maxPeersPerRound
		}
		for _, p := range peers[:n] {
			addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
			go func(addr string) {
				if err := e.AddOutboundPeer(addr, dialTimeout); err != nil {
					log.Debug().Err(err).Str("addr", addr).Msg("outbound peer failed")
				}
			}(addr)
		}
		return // one working tracker is enough per round
	}
}

func reportProgress(e *engine.Engine) {
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for range ticker.C {
			stats := e.GetStats()
			log.Info().
				Str("state", stats.State.String()).
				Float64("percent", stats.PercentComplete*100).
				Str("left", utils.FormatBytes(stats.LeftUntilDone)).
				Int("peers", stats.PeerCount).
				Msg("progress")
			if stats.PercentComplete >= 1.0 {
				return
			}
		}
	}()
}
