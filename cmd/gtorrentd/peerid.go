package main

import (
	"crypto/rand"
)

// peerIDPrefix identifies this client using the Azureus-style
// convention ("-" + 2-letter client id + 4-digit version + "-").
const peerIDPrefix = "-GT0100-"

// newSelfID generates a fresh random peer ID for one engine instance.
func newSelfID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}
