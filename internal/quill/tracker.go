package quill

import (
	"context"
	"errors"
	"fmt"
)

// SyncOutcome reports what happened to one node during Sync.
type SyncOutcome string

const (
	OutcomeUnchanged SyncOutcome = "unchanged"
	OutcomePushed    SyncOutcome = "pushed"
	OutcomePulled    SyncOutcome = "pulled"
	OutcomeConflict  SyncOutcome = "conflict"
)

// NodeSyncStats summarizes a SyncAll pass over a book's hierarchy.
type NodeSyncStats struct {
	Pushed     int
	Pulled     int
	Unchanged  int
	Conflicted int
	Failed     int
}

// Tracker reconciles local and remote revisions of hierarchy nodes
// without a central lock. Revision tokens are opaque and compared only
// for equality; divergence is flagged for review, never merged silently.
type Tracker struct {
	ledger   Ledger
	remote   RemoteClient
	payloads PayloadStore
	logger   Logger
	idgen    IDGenerator
}

// NewTracker creates a Tracker.
func NewTracker(ledger Ledger, remote RemoteClient, payloads PayloadStore, logger Logger, idgen IDGenerator) *Tracker {
	return &Tracker{
		ledger:   ledger,
		remote:   remote,
		payloads: payloads,
		logger:   logger,
		idgen:    idgen,
	}
}

// Edit records a local mutation of a node: the new opaque payload is
// cached, a fresh local revision token is minted and the node goes dirty.
func (t *Tracker) Edit(nodeID string, payload []byte) error {
	if _, err := t.ledger.FindNode(nodeID); err != nil {
		return fmt.Errorf("loading node: %w", err)
	}
	if err := t.payloads.Store(nodeID, payload); err != nil {
		return fmt.Errorf("caching payload: %w", err)
	}
	if err := t.ledger.MarkNodeDirty(nodeID, t.idgen.New()); err != nil {
		return fmt.Errorf("marking node dirty: %w", err)
	}
	return nil
}

// Sync reconciles one node with the server.
//
// A clean node always adopts the server state. A dirty node pushes only
// when the freshly fetched server revision still equals the cloud
// revision recorded before the pull; otherwise both sides have diverged
// and the node is flagged needs_review with its local content untouched.
func (t *Tracker) Sync(ctx context.Context, nodeID string) (SyncOutcome, error) {
	node, err := t.ledger.FindNode(nodeID)
	if err != nil {
		return "", fmt.Errorf("loading node: %w", err)
	}
	if node.ConflictState == ConflictNeedsReview {
		// Blocked until the user resolves; other nodes are unaffected.
		return OutcomeConflict, nil
	}

	wasDirty := node.SyncState == SyncDirty

	if err := t.ledger.SetNodeSyncState(nodeID, SyncPulling); err != nil {
		return "", fmt.Errorf("entering pulling state: %w", err)
	}

	snap, err := t.remote.FetchNode(ctx, nodeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.restore(nodeID, wasDirty)
		return "", fmt.Errorf("fetching node: %w", err)
	}
	// ErrNotFound means the server has never seen this node: an empty
	// snapshot whose revision equals a never-pushed RevCloud.

	if !wasDirty {
		if snap.Revision == node.RevCloud {
			if err := t.ledger.SetNodeSyncState(nodeID, SyncIdle); err != nil {
				return "", fmt.Errorf("leaving pulling state: %w", err)
			}
			return OutcomeUnchanged, nil
		}
		// Pull wins on a clean node.
		if err := t.payloads.Store(nodeID, snap.Payload); err != nil {
			t.restore(nodeID, wasDirty)
			return "", fmt.Errorf("storing pulled payload: %w", err)
		}
		if err := t.ledger.AdoptRemoteRevision(nodeID, snap.Revision); err != nil {
			return "", fmt.Errorf("adopting remote revision: %w", err)
		}
		t.logger.Debug("node pulled", "node", nodeID, "rev", snap.Revision)
		return OutcomePulled, nil
	}

	if snap.Revision != node.RevCloud {
		// Both sides changed since the last sync point.
		if err := t.ledger.FlagNodeConflict(nodeID); err != nil {
			return "", fmt.Errorf("flagging conflict: %w", err)
		}
		t.logger.Warn("node conflict detected", "node", nodeID,
			"local_base", node.RevCloud, "remote", snap.Revision)
		return OutcomeConflict, nil
	}

	return t.push(ctx, node)
}

// push uploads the dirty node's payload conditional on the cloud revision.
func (t *Tracker) push(ctx context.Context, node *Node) (SyncOutcome, error) {
	if err := t.ledger.SetNodeSyncState(node.ID, SyncPushing); err != nil {
		return "", fmt.Errorf("entering pushing state: %w", err)
	}

	payload, err := t.payloads.Load(node.ID)
	if err != nil {
		t.restore(node.ID, true)
		return "", fmt.Errorf("loading local payload: %w", err)
	}

	newRev, err := t.remote.PushNode(ctx, node.ID, node.RevCloud, payload)
	if err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			// Server moved between our fetch and push.
			if ferr := t.ledger.FlagNodeConflict(node.ID); ferr != nil {
				return "", fmt.Errorf("flagging conflict: %w", ferr)
			}
			return OutcomeConflict, nil
		}
		t.restore(node.ID, true)
		return "", fmt.Errorf("pushing node: %w", err)
	}

	if err := t.ledger.CompleteNodePush(node.ID, newRev); err != nil {
		return "", fmt.Errorf("completing push: %w", err)
	}
	t.logger.Debug("node pushed", "node", node.ID, "rev", newRev)
	return OutcomePushed, nil
}

// restore returns a node to dirty or idle after an aborted transfer. The
// pushing/pulling states live only for the duration of a call; a node is
// never left persisted mid-transfer.
func (t *Tracker) restore(nodeID string, dirty bool) {
	state := SyncIdle
	if dirty {
		state = SyncDirty
	}
	if err := t.ledger.SetNodeSyncState(nodeID, state); err != nil {
		t.logger.Error("restoring node sync state", "node", nodeID, "error", err)
	}
}

// SyncAll syncs every node of a book, isolating per-node failures.
func (t *Tracker) SyncAll(ctx context.Context, bookID string) (NodeSyncStats, error) {
	nodes, err := t.ledger.ListNodes(bookID)
	if err != nil {
		return NodeSyncStats{}, fmt.Errorf("listing nodes: %w", err)
	}

	var stats NodeSyncStats
	for _, node := range nodes {
		outcome, err := t.Sync(ctx, node.ID)
		if err != nil {
			t.logger.Warn("node sync failed", "node", node.ID, "error", err)
			stats.Failed++
			continue
		}
		switch outcome {
		case OutcomePushed:
			stats.Pushed++
		case OutcomePulled:
			stats.Pulled++
		case OutcomeConflict:
			stats.Conflicted++
		default:
			stats.Unchanged++
		}
	}
	return stats, nil
}

// Resolve settles a conflicted node. "local" force-pushes the local
// payload as the new server truth; "cloud" discards local edits and
// adopts the server state; "merge" has no defined semantics yet.
func (t *Tracker) Resolve(ctx context.Context, nodeID string, choice ResolveChoice) error {
	node, err := t.ledger.FindNode(nodeID)
	if err != nil {
		return fmt.Errorf("loading node: %w", err)
	}
	if node.ConflictState != ConflictNeedsReview {
		return fmt.Errorf("node %s has no conflict to resolve", nodeID)
	}

	switch choice {
	case ResolveLocal:
		// Re-fetch so the conditional push lands on the server's current
		// revision, making our local state the new truth.
		snap, err := t.remote.FetchNode(ctx, nodeID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("fetching node: %w", err)
		}
		payload, err := t.payloads.Load(nodeID)
		if err != nil {
			return fmt.Errorf("loading local payload: %w", err)
		}
		newRev, err := t.remote.PushNode(ctx, nodeID, snap.Revision, payload)
		if err != nil {
			return fmt.Errorf("force-pushing node: %w", err)
		}
		if err := t.ledger.CompleteNodePush(nodeID, newRev); err != nil {
			return fmt.Errorf("completing push: %w", err)
		}
		t.logger.Info("conflict resolved, local kept", "node", nodeID, "rev", newRev)
		return nil

	case ResolveCloud:
		snap, err := t.remote.FetchNode(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("fetching node: %w", err)
		}
		if err := t.payloads.Store(nodeID, snap.Payload); err != nil {
			return fmt.Errorf("storing pulled payload: %w", err)
		}
		if err := t.ledger.AdoptRemoteRevision(nodeID, snap.Revision); err != nil {
			return fmt.Errorf("adopting remote revision: %w", err)
		}
		t.logger.Info("conflict resolved, cloud adopted", "node", nodeID, "rev", snap.Revision)
		return nil

	case ResolveMerge:
		return fmt.Errorf("merge resolution: %w", ErrNotImplemented)

	default:
		return fmt.Errorf("unknown resolve choice: %s", choice)
	}
}
