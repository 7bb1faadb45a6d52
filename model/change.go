package model

import (
	"fmt"
	"strings"
)

// ChangeKind identifies the kind of row change.
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "INSERT"
	case ChangeUpdated:
		return "UPDATE"
	case ChangeDeleted:
		return "DELETE"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ParseChangeKind accepts the stream's operation names, case-insensitively.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "INSERTED":
		return ChangeInserted, nil
	case "UPDATE", "UPDATED":
		return ChangeUpdated, nil
	case "DELETE", "DELETED":
		return ChangeDeleted, nil
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

// ChangeEvent is a single catalog change. Listing is set for inserts and
// updates, ID for deletes.
type ChangeEvent struct {
	Kind    ChangeKind
	Listing Listing
	ID      string
}

func Inserted(l Listing) ChangeEvent { return ChangeEvent{Kind: ChangeInserted, Listing: l} }
func Updated(l Listing) ChangeEvent  { return ChangeEvent{Kind: ChangeUpdated, Listing: l} }
func Deleted(id string) ChangeEvent  { return ChangeEvent{Kind: ChangeDeleted, ID: id} }

// ListingID returns the id the event refers to.
func (e ChangeEvent) ListingID() string {
	if e.Kind == ChangeDeleted {
		return e.ID
	}
	return e.Listing.ID
}

// RowChange is a table-level change as delivered by a change stream.
// OldRecord carries at least the primary key for deletes.
type RowChange struct {
	Kind      ChangeKind
	Table     string
	Record    Row
	OldRecord Row
}
