// Package checklock tracks which terminal owns which mutable check.
// The lock table has a single source of truth (the relay host or the cloud
// depending on mode); no terminal is authoritative for another terminal's
// locks. Acquisition is compare-and-swap, overrides are audited, and a
// takeover from an unreachable holder clones the check instead of
// overwriting it so both divergent histories survive until a human
// reconciles them.
package checklock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

var (
	ErrElevatedAuthRequired = errors.New("manager override requires elevated authentication")
	ErrRiskNotAcknowledged  = errors.New("offline takeover requires explicit risk acknowledgment")
	ErrHolderReachable      = errors.New("lock holder is reachable: use the cooperative override")
	ErrHolderUnreachable    = errors.New("lock holder is unreachable: use the offline takeover")
	ErrNotLocked            = errors.New("check is not locked")
	ErrCheckNotFound        = errors.New("check not found")
	ErrNotConflictPending   = errors.New("check is not flagged conflict_pending")
	ErrNotCloneOf           = errors.New("check is not a clone of the given original")
)

// LockStore is the shared lock table. All mutating operations are atomic
// compare-and-swap on the current holder so two terminals can never both
// win the same check.
type LockStore interface {
	// Get returns the current lock, or nil when the check is unlocked.
	Get(ctx context.Context, checkID string) (*models.CheckLock, error)
	// TryAcquire installs the lock only if the check is currently unlocked.
	TryAcquire(ctx context.Context, checkID string, lock models.CheckLock) (bool, error)
	// Transfer replaces the lock only if it is still held by expectedHolder.
	Transfer(ctx context.Context, checkID, expectedHolder string, lock models.CheckLock) (bool, error)
	// Release removes the lock only if held by holderID.
	Release(ctx context.Context, checkID, holderID string) error

	// Heartbeat refreshes this terminal's presence record; TerminalAlive
	// reports whether another terminal's presence is still fresh.
	Heartbeat(ctx context.Context, terminalID string, ttl time.Duration) error
	TerminalAlive(ctx context.Context, terminalID string) (bool, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// CheckStore persists check records. SaveCheck increments Revision.
type CheckStore interface {
	GetCheck(ctx context.Context, id string) (*models.Check, error)
	SaveCheck(ctx context.Context, check *models.Check) error
	DeleteCheck(ctx context.Context, id string) error
}

// StatusSource is the connectivity monitor's read surface.
type StatusSource interface {
	Snapshot() models.ConnectivityStatus
}

// ReleaseNotifier signals a reachable holder to flush pending local changes
// and release its lock. Delivered by the transport layer.
type ReleaseNotifier interface {
	RequestRelease(ctx context.Context, holderID, checkID string) error
}

// AuditEntry records every override so divergent ownership is traceable.
type AuditEntry struct {
	ID               string    `json:"id"`
	CheckID          string    `json:"check_id"`
	ManagerID        string    `json:"manager_id"`
	FromHolder       string    `json:"from_holder"`
	ToHolder         string    `json:"to_holder"`
	Action           string    `json:"action"`
	RiskAcknowledged bool      `json:"risk_acknowledged"`
	At               time.Time `json:"at"`
}

// Authorization carries the credentials of the manager performing an
// override. Elevation is verified upstream by the auth layer.
type Authorization struct {
	ManagerID        string
	Elevated         bool
	RiskAcknowledged bool
}

type AcquireStatus string

const (
	StatusGranted     AcquireStatus = "granted"
	StatusAlreadyHeld AcquireStatus = "already-held"
	StatusInUse       AcquireStatus = "in-use"        // holder reachable: yellow
	StatusHolderOff   AcquireStatus = "holder-offline" // holder unreachable: red
)

// Indicator is the pickup color rendered by the UI.
type Indicator string

const (
	IndicatorGreen  Indicator = "green"
	IndicatorYellow Indicator = "yellow"
	IndicatorRed    Indicator = "red"
)

type AcquireResult struct {
	Status AcquireStatus
	Lock   *models.CheckLock
}

type Resolution string

const (
	KeepOriginal Resolution = "keep-original"
	KeepClone    Resolution = "keep-clone"
	Merge        Resolution = "merge"
)

type Manager struct {
	terminalID string
	locks      LockStore
	checks     CheckStore
	status     StatusSource
	notifier   ReleaseNotifier
	clock      infra.Clock
	logger     *slog.Logger
}

func NewManager(terminalID string, locks LockStore, checks CheckStore, status StatusSource, notifier ReleaseNotifier, clock infra.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		terminalID: terminalID,
		locks:      locks,
		checks:     checks,
		status:     status,
		notifier:   notifier,
		clock:      clock,
		logger:     logger,
	}
}

// Acquire claims the check for this terminal. A view request never claims
// the exclusive slot when someone else holds it, and an existing view lock
// never blocks an active takeover.
func (m *Manager) Acquire(ctx context.Context, checkID string, lockType models.LockType) (AcquireResult, error) {
	newLock := models.CheckLock{
		HolderID:   m.terminalID,
		AcquiredAt: m.clock.Now(),
		Type:       lockType,
	}

	// Two passes: losing the CAS race means someone else just locked it,
	// so the second pass classifies the new holder instead of retrying
	// forever.
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := m.locks.Get(ctx, checkID)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("read lock state: %w", err)
		}

		if cur == nil {
			ok, err := m.locks.TryAcquire(ctx, checkID, newLock)
			if err != nil {
				return AcquireResult{}, fmt.Errorf("acquire lock: %w", err)
			}
			if ok {
				metrics.LockRequests.WithLabelValues("granted").Inc()
				return AcquireResult{Status: StatusGranted, Lock: &newLock}, nil
			}
			continue // lost the race, re-read and classify
		}

		if cur.HolderID == m.terminalID {
			return AcquireResult{Status: StatusAlreadyHeld, Lock: cur}, nil
		}

		if lockType == models.LockView {
			// Shared observation: readable regardless of the active holder.
			metrics.LockRequests.WithLabelValues("granted").Inc()
			return AcquireResult{Status: StatusGranted, Lock: cur}, nil
		}

		if cur.Type == models.LockView {
			ok, err := m.locks.Transfer(ctx, checkID, cur.HolderID, newLock)
			if err != nil {
				return AcquireResult{}, fmt.Errorf("take over view lock: %w", err)
			}
			if ok {
				metrics.LockRequests.WithLabelValues("granted").Inc()
				return AcquireResult{Status: StatusGranted, Lock: &newLock}, nil
			}
			continue
		}

		return m.classifyDenial(ctx, checkID, cur)
	}

	// CAS contention resolved in favor of another terminal.
	cur, err := m.locks.Get(ctx, checkID)
	if err != nil || cur == nil {
		metrics.LockRequests.WithLabelValues("in_use").Inc()
		return AcquireResult{Status: StatusInUse}, nil
	}
	return m.classifyDenial(ctx, checkID, cur)
}

func (m *Manager) classifyDenial(ctx context.Context, checkID string, cur *models.CheckLock) (AcquireResult, error) {
	if m.holderReachable(ctx, cur.HolderID) {
		metrics.LockRequests.WithLabelValues("in_use").Inc()
		return AcquireResult{Status: StatusInUse, Lock: cur}, nil
	}
	metrics.LockRequests.WithLabelValues("holder_offline").Inc()
	return AcquireResult{Status: StatusHolderOff, Lock: cur}, nil
}

// holderReachable classifies the holder from this terminal's observation:
// its presence record in the shared store, qualified by our own mode. When
// we cannot see the shared store at all the holder counts as unreachable.
func (m *Manager) holderReachable(ctx context.Context, holderID string) bool {
	if !m.status.Snapshot().SharedLockingAvailable() {
		return false
	}
	alive, err := m.locks.TerminalAlive(ctx, holderID)
	if err != nil {
		return false
	}
	return alive
}

// Release drops this terminal's lock. Releasing a check locked by someone
// else is a no-op by CAS.
func (m *Manager) Release(ctx context.Context, checkID string) error {
	return m.locks.Release(ctx, checkID, m.terminalID)
}

// Heartbeat refreshes this terminal's presence record in the shared store.
func (m *Manager) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return m.locks.Heartbeat(ctx, m.terminalID, ttl)
}

// OverrideReachable performs the cooperative handoff: the holder is live,
// so it is asked to flush pending changes and release before the lock
// transfers. No data loss is expected on this path.
func (m *Manager) OverrideReachable(ctx context.Context, checkID string, auth Authorization) (*models.CheckLock, error) {
	if !auth.Elevated {
		return nil, ErrElevatedAuthRequired
	}

	cur, err := m.locks.Get(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("read lock state: %w", err)
	}
	if cur == nil {
		return nil, ErrNotLocked
	}
	if !m.holderReachable(ctx, cur.HolderID) {
		return nil, ErrHolderUnreachable
	}

	if err := m.notifier.RequestRelease(ctx, cur.HolderID, checkID); err != nil {
		return nil, fmt.Errorf("holder flush request failed: %w", err)
	}

	newLock := models.CheckLock{
		HolderID:   m.terminalID,
		AcquiredAt: m.clock.Now(),
		Type:       models.LockActive,
	}
	ok, err := m.locks.Transfer(ctx, checkID, cur.HolderID, newLock)
	if err != nil {
		return nil, fmt.Errorf("transfer lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock changed hands during override")
	}

	m.audit(ctx, checkID, auth, cur.HolderID, "override_reachable", false)
	metrics.LockRequests.WithLabelValues("override").Inc()

	m.logger.Info("Cooperative lock override completed",
		"check_id", checkID,
		"from", cur.HolderID,
		"to", m.terminalID,
		"manager_id", auth.ManagerID,
	)
	return &newLock, nil
}

// OverrideUnreachable clones the check from its last known state for this
// terminal and flags the original conflict_pending. Both histories are
// preserved; nothing is overwritten.
func (m *Manager) OverrideUnreachable(ctx context.Context, checkID string, auth Authorization) (*models.Check, error) {
	if !auth.Elevated {
		return nil, ErrElevatedAuthRequired
	}
	if !auth.RiskAcknowledged {
		return nil, ErrRiskNotAcknowledged
	}

	cur, err := m.locks.Get(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("read lock state: %w", err)
	}
	if cur == nil {
		return nil, ErrNotLocked
	}
	if m.holderReachable(ctx, cur.HolderID) {
		return nil, ErrHolderReachable
	}

	original, err := m.checks.GetCheck(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("load check: %w", err)
	}
	if original == nil {
		return nil, ErrCheckNotFound
	}

	original.ConflictPending = true
	if err := m.checks.SaveCheck(ctx, original); err != nil {
		return nil, fmt.Errorf("flag conflict on original: %w", err)
	}

	clone := *original
	clone.ID = uuid.NewString()
	clone.ClonedFrom = original.ID
	clone.ConflictPending = false
	clone.Revision = 0
	clone.Items = append([]models.LineItem(nil), original.Items...)
	clone.UpdatedAt = m.clock.Now()
	if err := m.checks.SaveCheck(ctx, &clone); err != nil {
		return nil, fmt.Errorf("persist clone: %w", err)
	}

	newLock := models.CheckLock{
		HolderID:   m.terminalID,
		AcquiredAt: m.clock.Now(),
		Type:       models.LockActive,
	}
	if _, err := m.locks.TryAcquire(ctx, clone.ID, newLock); err != nil {
		return nil, fmt.Errorf("lock clone: %w", err)
	}

	m.audit(ctx, checkID, auth, cur.HolderID, "override_unreachable", true)
	metrics.LockRequests.WithLabelValues("override").Inc()

	m.logger.Warn("Offline takeover: check cloned, original flagged conflict_pending",
		"check_id", checkID,
		"clone_id", clone.ID,
		"offline_holder", cur.HolderID,
		"manager_id", auth.ManagerID,
	)
	return &clone, nil
}

// Resolve reconciles a conflict_pending original with its clone. Exactly
// one version becomes canonical; resolution is terminal and clears the
// flag.
func (m *Manager) Resolve(ctx context.Context, originalID, cloneID string, resolution Resolution) (*models.Check, error) {
	original, err := m.checks.GetCheck(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("load original: %w", err)
	}
	if original == nil {
		return nil, ErrCheckNotFound
	}
	if !original.ConflictPending {
		return nil, ErrNotConflictPending
	}

	clone, err := m.checks.GetCheck(ctx, cloneID)
	if err != nil {
		return nil, fmt.Errorf("load clone: %w", err)
	}
	if clone == nil {
		return nil, ErrCheckNotFound
	}
	if clone.ClonedFrom != originalID {
		return nil, ErrNotCloneOf
	}

	switch resolution {
	case KeepOriginal:
		// Canonical items already in place.
	case KeepClone:
		original.Items = append([]models.LineItem(nil), clone.Items...)
	case Merge:
		original.Items = mergeItems(original.Items, clone.Items)
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	original.ConflictPending = false
	original.UpdatedAt = m.clock.Now()
	if err := m.checks.SaveCheck(ctx, original); err != nil {
		return nil, fmt.Errorf("persist resolution: %w", err)
	}
	if err := m.checks.DeleteCheck(ctx, cloneID); err != nil {
		return nil, fmt.Errorf("discard clone: %w", err)
	}

	// Best effort: the clone's lock dies with the clone.
	_ = m.locks.Release(ctx, cloneID, m.terminalID)

	m.audit(ctx, originalID, Authorization{ManagerID: m.terminalID}, "", "conflict_resolved:"+string(resolution), false)
	metrics.LockRequests.WithLabelValues("conflict").Inc()

	m.logger.Info("Check conflict resolved",
		"check_id", originalID,
		"clone_id", cloneID,
		"resolution", resolution,
	)
	return original, nil
}

// Status returns the UI pickup indicator for a check: green free or ours,
// yellow held by a reachable terminal, red held by an unreachable one or
// conflicted.
func (m *Manager) Status(ctx context.Context, checkID string) (Indicator, error) {
	check, err := m.checks.GetCheck(ctx, checkID)
	if err != nil {
		return "", fmt.Errorf("load check: %w", err)
	}
	if check != nil && check.ConflictPending {
		return IndicatorRed, nil
	}

	cur, err := m.locks.Get(ctx, checkID)
	if err != nil {
		return "", fmt.Errorf("read lock state: %w", err)
	}
	switch {
	case cur == nil || cur.HolderID == m.terminalID:
		return IndicatorGreen, nil
	case m.holderReachable(ctx, cur.HolderID):
		return IndicatorYellow, nil
	default:
		return IndicatorRed, nil
	}
}

func (m *Manager) audit(ctx context.Context, checkID string, auth Authorization, fromHolder, action string, risk bool) {
	entry := AuditEntry{
		ID:               uuid.NewString(),
		CheckID:          checkID,
		ManagerID:        auth.ManagerID,
		FromHolder:       fromHolder,
		ToHolder:         m.terminalID,
		Action:           action,
		RiskAcknowledged: risk,
		At:               m.clock.Now(),
	}
	if err := m.locks.AppendAudit(ctx, entry); err != nil {
		m.logger.Error("Failed to write lock audit entry", "check_id", checkID, "action", action, "error", err)
	}
}

// mergeItems unions two line-item sets. A line present on both sides with
// the same identity and quantity is a duplicate and appears once; when the
// quantities diverged the larger one wins, so the merged set never carries
// two lines with the same identity.
func mergeItems(a, b []models.LineItem) []models.LineItem {
	index := make(map[string]int, len(a)+len(b))
	out := make([]models.LineItem, 0, len(a)+len(b))
	for _, items := range [][]models.LineItem{a, b} {
		for _, it := range items {
			if j, ok := index[it.ItemID]; ok {
				if it.Quantity > out[j].Quantity {
					out[j] = it
				}
				continue
			}
			index[it.ItemID] = len(out)
			out = append(out, it)
		}
	}
	return out
}
