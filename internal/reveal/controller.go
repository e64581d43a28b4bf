// Package reveal governs one-shot access to view-once media.
//
// Each reveal token owns exactly one record. A record moves
// Unrevealed -> Revealing -> Revealed, or to Failed, and never back: the server consumes the
// token on first fetch, so the client issues at most one fetch per token. The client state is
// a UX guard only; the real at-most-once guarantee is the server's token consumption.
package reveal

import (
	"errors"
	"sort"

	"go.uber.org/zap"
)

// Status is the lifecycle position of a reveal record.
type Status string

const (
	StatusUnrevealed Status = "unrevealed"
	StatusRevealing  Status = "revealing"
	StatusRevealed   Status = "revealed"
	StatusFailed     Status = "failed"
)

const (
	LabelUnrevealed  = "View Once"
	LabelRevealing   = "Opening..."
	LabelShowing     = "Showing"
	LabelViewed      = "Viewed"
	LabelUnavailable = "(Content not available)"
)

var (
	// ErrUnavailable reports that view-once content could not be obtained. It is terminal per token.
	ErrUnavailable = errors.New("reveal: content not available")

	errFetchAbandoned = errors.New("fetch abandoned")

	noOpLogger = zap.NewNop()
)

// Terminal reports whether no further transition may occur from s.
func (s Status) Terminal() bool {
	return s == StatusRevealed || s == StatusFailed
}

// Record is a read-only view of a token's reveal state.
type Record struct {
	Token     string
	Status    Status
	Handle    Handle
	Dismissed bool
	Err       error
}

// Label returns the placeholder text a collaborator should display for the record.
func (r Record) Label() string {
	switch r.Status {
	case StatusRevealing:
		return LabelRevealing
	case StatusRevealed:
		if r.Dismissed {
			return LabelViewed
		}
		return LabelShowing
	case StatusFailed:
		return LabelUnavailable
	default:
		return LabelUnrevealed
	}
}

type record struct {
	token     string
	status    Status
	handle    Handle
	released  bool
	dismissed bool
	err       error
}

func (r *record) view() Record {
	view := Record{
		Token:     r.token,
		Status:    r.status,
		Dismissed: r.dismissed,
		Err:       r.err,
	}
	if !r.released {
		view.Handle = r.handle
	}
	return view
}

// ControllerConfig describes the collaborators of a Controller.
type ControllerConfig struct {
	Handles HandleFactory
	Logger  *zap.Logger
}

// Controller owns every reveal record of a client session. It is not safe for concurrent use;
// the owning session serializes access and performs fetches outside the controller.
type Controller struct {
	records map[string]*record
	handles HandleFactory
	logger  *zap.Logger
}

// NewController constructs a Controller. A nil handle factory keeps blobs in memory.
func NewController(cfg ControllerConfig) *Controller {
	handles := cfg.Handles
	if handles == nil {
		handles = MemoryHandles()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Controller{
		records: make(map[string]*record),
		handles: handles,
		logger:  logger,
	}
}

// Track lazily creates the Unrevealed record for token and returns the current record.
func (c *Controller) Track(token string) Record {
	return c.lookupOrCreate(token).view()
}

// Begin moves token from Unrevealed to Revealing and reports whether the caller must fetch.
// Calls while Revealing or after Revealed/Failed return false.
func (c *Controller) Begin(token string) bool {
	if token == "" {
		return false
	}
	current := c.lookupOrCreate(token)
	if current.status != StatusUnrevealed {
		c.logger.Debug("reveal ignored", zap.String("token", token), zap.String("status", string(current.status)))
		return false
	}
	current.status = StatusRevealing
	return true
}

// Complete resolves an in-flight fetch. A nil fetchErr with a materialized handle reveals the
// content; anything else fails the token permanently. Completions for tokens that are not
// Revealing are ignored.
func (c *Controller) Complete(token string, blob Blob, fetchErr error) Record {
	current, ok := c.records[token]
	if !ok || current.status != StatusRevealing {
		if ok {
			return current.view()
		}
		return Record{Token: token}
	}

	if fetchErr != nil {
		c.fail(current, fetchErr)
		return current.view()
	}

	handle, err := c.handles(token, blob)
	if err != nil {
		c.fail(current, err)
		return current.view()
	}
	current.handle = handle
	current.status = StatusRevealed
	c.logger.Debug("reveal succeeded", zap.String("token", token), zap.Int("bytes", len(blob.Data)))
	return current.view()
}

// Dismiss releases the revealed content and labels the record as viewed. It reports whether
// the record changed; only a Revealed, not yet dismissed record can be dismissed.
func (c *Controller) Dismiss(token string) (Record, bool) {
	current, ok := c.records[token]
	if !ok {
		return Record{Token: token}, false
	}
	if current.status != StatusRevealed || current.dismissed {
		return current.view(), false
	}
	c.release(current)
	current.dismissed = true
	return current.view(), true
}

// Lookup returns the record for token.
func (c *Controller) Lookup(token string) (Record, bool) {
	current, ok := c.records[token]
	if !ok {
		return Record{}, false
	}
	return current.view(), true
}

// Records returns every record ordered by token.
func (c *Controller) Records() []Record {
	records := make([]Record, 0, len(c.records))
	for _, current := range c.records {
		records = append(records, current.view())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Token < records[j].Token })
	return records
}

// AbandonPending fails every Revealing record whose fetch will never complete.
func (c *Controller) AbandonPending() {
	for _, current := range c.records {
		if current.status == StatusRevealing {
			c.fail(current, errFetchAbandoned)
		}
	}
}

// ReleaseAll releases every handle that has not been released yet. Record states are kept.
func (c *Controller) ReleaseAll() {
	for _, current := range c.records {
		c.release(current)
	}
}

func (c *Controller) lookupOrCreate(token string) *record {
	current, ok := c.records[token]
	if !ok {
		current = &record{token: token, status: StatusUnrevealed}
		c.records[token] = current
	}
	return current
}

func (c *Controller) fail(current *record, cause error) {
	current.status = StatusFailed
	if errors.Is(cause, ErrUnavailable) {
		current.err = cause
	} else {
		current.err = errors.Join(ErrUnavailable, cause)
	}
	c.logger.Info("reveal failed", zap.String("token", current.token), zap.Error(cause))
}

func (c *Controller) release(current *record) {
	if current.handle == nil || current.released {
		return
	}
	current.released = true
	if err := current.handle.Release(); err != nil {
		c.logger.Warn("reveal handle release failed", zap.String("token", current.token), zap.Error(err))
	}
}
