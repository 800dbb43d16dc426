package cerberus

import (
	"time"

	"github.com/Wikid82/perimeter/internal/ddos"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
)

// Block places key on the block list. A non-positive duration uses BlockDuration.
func (e *Engine) Block(key string, dur time.Duration) ddos.Block {
	return e.deps.DDoS.Block(key, dur, ddos.ReasonManual)
}

// Unblock removes key from the block list.
func (e *Engine) Unblock(key string) bool {
	return e.deps.DDoS.Unblock(key)
}

// Blocks lists active blocks.
func (e *Engine) Blocks() []ddos.Block {
	return e.deps.DDoS.Blocks()
}

// StartSession opens a session for an identity the auth collaborator has verified.
func (e *Engine) StartSession(id models.Identity) (session.Session, error) {
	return e.deps.Sessions.StartSession(id)
}

func (e *Engine) Sessions() []session.Session {
	return e.deps.Sessions.List()
}

func (e *Engine) TerminateSession(id string) error {
	return e.deps.Sessions.Terminate(id)
}

// Analytics summarizes recorded decisions in [from, to).
func (e *Engine) Analytics(from, to time.Time) (services.Analytics, error) {
	return e.deps.Events.Analytics(from, to)
}

func (e *Engine) Events() *services.EventStore { return e.deps.Events }

func (e *Engine) Alerts() *services.AlertManager { return e.deps.Alerts }
