package index

import "github.com/harrisonrobin/taskboard/pkg/model"

// LinkIndex maps calendar event ids to the records linked to them. It is
// built per reconciliation pass and is not safe for concurrent writes.
type LinkIndex struct {
	byEvent map[string]model.Link
}

// NewLinkIndex indexes links by event id.
func NewLinkIndex(links []model.Link) *LinkIndex {
	idx := &LinkIndex{byEvent: make(map[string]model.Link, len(links))}
	for _, l := range links {
		idx.Set(l)
	}
	return idx
}

// Get returns the record linked to eventID.
func (idx *LinkIndex) Get(eventID string) (model.Link, bool) {
	l, ok := idx.byEvent[eventID]
	return l, ok
}

// Set records a link. Links without an event id are ignored.
func (idx *LinkIndex) Set(l model.Link) {
	if l.ExternalEventID == "" {
		return
	}
	idx.byEvent[l.ExternalEventID] = l
}

// Len is the number of indexed links.
func (idx *LinkIndex) Len() int {
	return len(idx.byEvent)
}
