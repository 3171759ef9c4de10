// Package readstatus turns per-recipient delivery cursors into the
// checkmark state a client renders for a message.
package readstatus

import (
	"sort"

	"securechat/internal/protocol"
)

// Status is ordered: Sent < Delivered < PartiallyRead < AllRead.
type Status int

const (
	Sent Status = iota
	Delivered
	PartiallyRead
	AllRead
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case PartiallyRead:
		return "partiallyRead"
	case AllRead:
		return "allRead"
	default:
		return "sent"
	}
}

// Calculate aggregates the status of msg as seen by currentUserID.
// The viewer's own entry never counts.
func Calculate(msg *protocol.ChatMessage, currentUserID string) Status {
	if msg == nil {
		return Sent
	}
	return CalculateEntries(msg.Status, currentUserID)
}

// CalculateEntries aggregates a raw status array.
func CalculateEntries(entries []protocol.DeliveryStatus, currentUserID string) Status {
	total, read, received := 0, 0, 0
	for _, e := range entries {
		if e.UserID == currentUserID {
			continue
		}
		total++
		if e.IsRead {
			read++
			received++
		} else if e.IsReceived {
			received++
		}
	}

	switch {
	case total == 0:
		return Sent
	case read == total:
		return AllRead
	case read > 0:
		return PartiallyRead
	case received == total:
		return Delivered
	default:
		return Sent
	}
}

// Normalize enforces read implies received on one entry.
func Normalize(e protocol.DeliveryStatus) protocol.DeliveryStatus {
	if e.IsRead && !e.IsReceived {
		e.IsReceived = true
		if e.ReceivedAt == 0 || (e.ReadAt != 0 && e.ReceivedAt > e.ReadAt) {
			e.ReceivedAt = e.ReadAt
		}
	}
	return e
}

// Apply merges an update into a status array and returns the new array,
// sorted by user id. Flags only move forward and the earliest timestamp of
// each transition is kept, so applying an update twice or out of order
// yields the same result. The input slice is not modified.
func Apply(entries []protocol.DeliveryStatus, update protocol.DeliveryStatus) []protocol.DeliveryStatus {
	update = Normalize(update)
	out := make([]protocol.DeliveryStatus, 0, len(entries)+1)
	merged := false
	for _, e := range entries {
		if e.UserID == update.UserID {
			e = merge(e, update)
			merged = true
		}
		out = append(out, Normalize(e))
	}
	if !merged && update.UserID != "" {
		out = append(out, update)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func merge(cur, upd protocol.DeliveryStatus) protocol.DeliveryStatus {
	if upd.IsReceived {
		cur.ReceivedAt = earliest(cur.ReceivedAt, upd.ReceivedAt, cur.IsReceived)
		cur.IsReceived = true
	}
	if upd.IsRead {
		cur.ReadAt = earliest(cur.ReadAt, upd.ReadAt, cur.IsRead)
		cur.IsRead = true
	}
	return cur
}

func earliest(cur, upd int64, had bool) int64 {
	switch {
	case !had || cur == 0:
		return upd
	case upd != 0 && upd < cur:
		return upd
	default:
		return cur
	}
}

// Initial returns a fresh status array with one unreceived entry per
// participant other than the sender.
func Initial(senderID string, participants []string) []protocol.DeliveryStatus {
	var out []protocol.DeliveryStatus
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == senderID || p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, protocol.DeliveryStatus{UserID: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
