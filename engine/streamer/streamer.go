package streamer

import (
	"time"
)

type Id string

// Kind distinguishes the two Streamer variants. An Account is a regular
// user broadcasting under their own key; an EventStageSlot is one stage of
// a multi-stage event, owned by the event's organizer account.
type Kind int

const (
	KindAccount Kind = iota
	KindStageSlot
)

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindStageSlot:
		return "stage_slot"
	default:
		return "unknown"
	}
}

// ThumbnailStatus is the persisted single-flight flag for preview
// thumbnail generation. It lives in storage, not in memory, so it stays
// correct across process restarts and multiple workers.
type ThumbnailStatus int

const (
	ThumbnailReady ThumbnailStatus = iota
	ThumbnailInProgress
)

// Metadata is the display metadata of the current or upcoming live stream.
type Metadata struct {
	Title    string
	Genre    string
	Category string
	Tags     []string
}

type Streamer struct {
	Id        Id
	Kind      Kind
	StreamKey string
	// AccountId is the owning account. For KindAccount it equals Id, for
	// KindStageSlot it is the event organizer's account.
	AccountId string
	// EventId is set for KindStageSlot only.
	EventId          string
	Metadata         Metadata
	SessionStartedAt *time.Time
}
