package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// CallState represents the lifecycle state of an outbound call.
type CallState string

const (
	CallStateRinging  CallState = "ringing"
	CallStateAnswered CallState = "answered"
)

// Dialog is one outbound telephony call, keyed by the session ID that also
// serves as its SIP Call-ID.
type Dialog struct {
	SessionID   string
	Destination string
	State       CallState
	StartTime   time.Time
	AnswerTime  *time.Time
	EndTime     *time.Time

	RemoteRTPIP   string
	RemoteRTPPort int

	// inviteReq and inviteRes are the INVITE as last sent and its 2xx, used
	// to build the in-dialog BYE.
	inviteReq *sip.Request
	inviteRes *sip.Response

	// cancel aborts a ringing INVITE.
	cancel context.CancelFunc
}

// Duration returns the time from answer to end, or to now while active.
func (d *Dialog) Duration() time.Duration {
	if d.AnswerTime == nil {
		return 0
	}
	end := time.Now()
	if d.EndTime != nil {
		end = *d.EndTime
	}
	return end.Sub(*d.AnswerTime)
}

// DialogManager tracks outbound calls from INVITE to BYE.
type DialogManager struct {
	mu      sync.Mutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates an empty dialog table.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog-manager"),
	}
}

// Create adds d. It returns false if the session ID is already in use.
func (dm *DialogManager) Create(d *Dialog) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, ok := dm.dialogs[d.SessionID]; ok {
		return false
	}
	dm.dialogs[d.SessionID] = d
	return true
}

// answer moves a ringing dialog to answered. It returns false when the
// dialog was removed while the INVITE was outstanding.
func (dm *DialogManager) answer(sessionID string, req *sip.Request, res *sip.Response, ip string, port int) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	d, ok := dm.dialogs[sessionID]
	if !ok {
		return false
	}
	now := time.Now()
	d.State = CallStateAnswered
	d.AnswerTime = &now
	d.inviteReq = req
	d.inviteRes = res
	d.RemoteRTPIP = ip
	d.RemoteRTPPort = port
	return true
}

// Get returns a copy of the dialog for sessionID.
func (dm *DialogManager) Get(sessionID string) (Dialog, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	d, ok := dm.dialogs[sessionID]
	if !ok {
		return Dialog{}, false
	}
	return *d, true
}

// Remove deletes the dialog. The returned dialog keeps the state it had
// when removed.
func (dm *DialogManager) Remove(sessionID string) (*Dialog, bool) {
	dm.mu.Lock()
	d, ok := dm.dialogs[sessionID]
	if ok {
		delete(dm.dialogs, sessionID)
		now := time.Now()
		d.EndTime = &now
	}
	dm.mu.Unlock()

	if ok {
		dm.logger.Debug("dialog removed",
			"session_id", sessionID,
			"state", d.State,
			"duration", d.Duration().String(),
		)
	}
	return d, ok
}

// ActiveCallCount returns the number of tracked calls.
func (dm *DialogManager) ActiveCallCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.dialogs)
}
