package grant

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oauth-engine/security"
)

// ErrUnknownUserCode is returned for user codes that were never issued or
// have expired.
var ErrUnknownUserCode = errors.New("unknown or expired user code")

type pendingDevice struct {
	clientID  string
	scopes    []string
	expiresAt time.Time
	approval  DeviceApproval
}

// DeviceApprovals is an in-memory registry of device authorizations. Wire
// Register as the UserCodeIssued hook and Check as CheckDeviceApproval; the
// verification page calls Lookup, then Approve or Deny.
//
// It is local to one process. Multi-process hosts keep approvals in their own
// shared store.
type DeviceApprovals struct {
	mu      sync.Mutex
	pending map[string]*pendingDevice
	now     func() time.Time
}

// NewDeviceApprovals creates an empty registry. now may be nil.
func NewDeviceApprovals(now func() time.Time) *DeviceApprovals {
	return &DeviceApprovals{
		pending: make(map[string]*pendingDevice),
		now:     security.NowFunc(now),
	}
}

// Register records a freshly issued user code.
func (a *DeviceApprovals) Register(_ context.Context, userCode, clientID string, scopes []string, expiresAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	a.pending[NormalizeUserCode(userCode)] = &pendingDevice{
		clientID:  clientID,
		scopes:    slices.Clone(scopes),
		expiresAt: expiresAt,
		approval:  DeviceApproval{Status: ApprovalPending},
	}
	return nil
}

// Lookup returns the client and scopes behind a user code, so the
// verification page can ask for consent.
func (a *DeviceApprovals) Lookup(userCode string) (clientID string, scopes []string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.getLocked(userCode)
	if err != nil {
		return "", nil, err
	}
	return p.clientID, slices.Clone(p.scopes), nil
}

// Approve marks the user code approved by subject. scopes may narrow the
// requested scopes; nil keeps them.
func (a *DeviceApprovals) Approve(userCode, subject string, scopes []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.getLocked(userCode)
	if err != nil {
		return err
	}
	p.approval = DeviceApproval{
		Status:   ApprovalApproved,
		Subject:  subject,
		AuthTime: a.now(),
		Scopes:   slices.Clone(scopes),
	}
	return nil
}

// Deny marks the user code denied.
func (a *DeviceApprovals) Deny(userCode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.getLocked(userCode)
	if err != nil {
		return err
	}
	p.approval = DeviceApproval{Status: ApprovalDenied}
	return nil
}

// Check reports the approval state. Entries live until their user code
// expires; the device code itself is single use.
func (a *DeviceApprovals) Check(_ context.Context, userCode string) (*DeviceApproval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.getLocked(userCode)
	if err != nil {
		return nil, err
	}
	approval := p.approval
	approval.Scopes = slices.Clone(approval.Scopes)
	return &approval, nil
}

// Len returns the number of live entries
func (a *DeviceApprovals) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	return len(a.pending)
}

func (a *DeviceApprovals) getLocked(userCode string) (*pendingDevice, error) {
	key := NormalizeUserCode(userCode)
	p, ok := a.pending[key]
	if !ok {
		return nil, ErrUnknownUserCode
	}
	if !a.now().Before(p.expiresAt) {
		delete(a.pending, key)
		return nil, ErrUnknownUserCode
	}
	return p, nil
}

func (a *DeviceApprovals) pruneLocked() {
	now := a.now()
	for k, p := range a.pending {
		if !now.Before(p.expiresAt) {
			delete(a.pending, k)
		}
	}
}
