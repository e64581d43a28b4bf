package session

import (
	"context"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
	"github.com/MarcoPoloResearchLab/chatroom/internal/transport"
)

// loopEvent is anything the session goroutine reacts to.
type loopEvent interface {
	loopEvent()
}

type transportEvent struct {
	generation uint64
	event      transport.Event
}

type joinRequested struct {
	ctx      context.Context
	room     string
	identity Identity
	reply    chan error
}

type joinCancelled struct {
	generation uint64
	err        error
}

type connectTimedOut struct {
	generation uint64
}

type sendRequested struct {
	intent protocol.Intent
}

type reactRequested struct {
	messageID string
	emoji     string
}

type revealRequested struct {
	token string
}

type revealFetched struct {
	token string
	blob  reveal.Blob
	err   error
}

type dismissRequested struct {
	token string
}

type snapshotRequested struct {
	reply chan Snapshot
}

type shutdownRequested struct{}

func (transportEvent) loopEvent()    {}
func (joinRequested) loopEvent()     {}
func (joinCancelled) loopEvent()     {}
func (connectTimedOut) loopEvent()   {}
func (sendRequested) loopEvent()     {}
func (reactRequested) loopEvent()    {}
func (revealRequested) loopEvent()   {}
func (revealFetched) loopEvent()     {}
func (dismissRequested) loopEvent()  {}
func (snapshotRequested) loopEvent() {}
func (shutdownRequested) loopEvent() {}
