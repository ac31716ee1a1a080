package scstore

import (
	"encoding/json"
	"time"

	"stagecast/engine/streamer"
)

const (
	AccountsKey           = "accounts"
	StageSlotsKey         = "stage_slots"
	AccountStreamKeysKey  = "account_stream_keys"
	SlotStreamKeysKey     = "slot_stream_keys"
	CurrentViewersKey     = "viewers_current:"
	TotalViewersKey       = "viewers_total:"
	ThumbnailStatusKey    = "thumbnail_status:"
	BroadcastsKey         = "scheduled_broadcasts"
	BroadcastStartsKey    = "scheduled_broadcast_starts"
	RecordingsKey         = "recorded_streams"
	StreamerRecordingsKey = "streamer_recordings:"
	TickLockKey           = "scheduler_tick_lock"
	SweepLockKey          = "thumbnail_sweep_lock"
	MutexDuration         = 30 * time.Second
)

type RedisAccount struct {
	Id               string     `json:"id"`
	StreamKey        string     `json:"stream_key"`
	Title            string     `json:"title"`
	Genre            string     `json:"genre"`
	Category         string     `json:"category"`
	Tags             []string   `json:"tags"`
	SessionStartedAt *time.Time `json:"session_started_at,omitempty"`
}

func (a *RedisAccount) Streamer() *streamer.Streamer {
	return &streamer.Streamer{
		Id:        streamer.Id(a.Id),
		Kind:      streamer.KindAccount,
		StreamKey: a.StreamKey,
		AccountId: a.Id,
		Metadata: streamer.Metadata{
			Title:    a.Title,
			Genre:    a.Genre,
			Category: a.Category,
			Tags:     a.Tags,
		},
		SessionStartedAt: a.SessionStartedAt,
	}
}

func RedisAccountFromStreamer(s *streamer.Streamer) *RedisAccount {
	return &RedisAccount{
		Id:               string(s.Id),
		StreamKey:        s.StreamKey,
		Title:            s.Metadata.Title,
		Genre:            s.Metadata.Genre,
		Category:         s.Metadata.Category,
		Tags:             s.Metadata.Tags,
		SessionStartedAt: s.SessionStartedAt,
	}
}

type RedisStageSlot struct {
	Id               string     `json:"id"`
	EventId          string     `json:"event_id"`
	AccountId        string     `json:"account_id"`
	StreamKey        string     `json:"stream_key"`
	Title            string     `json:"title"`
	Genre            string     `json:"genre"`
	Category         string     `json:"category"`
	Tags             []string   `json:"tags"`
	SessionStartedAt *time.Time `json:"session_started_at,omitempty"`
}

func (s *RedisStageSlot) Streamer() *streamer.Streamer {
	return &streamer.Streamer{
		Id:        streamer.Id(s.Id),
		Kind:      streamer.KindStageSlot,
		StreamKey: s.StreamKey,
		AccountId: s.AccountId,
		EventId:   s.EventId,
		Metadata: streamer.Metadata{
			Title:    s.Title,
			Genre:    s.Genre,
			Category: s.Category,
			Tags:     s.Tags,
		},
		SessionStartedAt: s.SessionStartedAt,
	}
}

func RedisStageSlotFromStreamer(s *streamer.Streamer) *RedisStageSlot {
	return &RedisStageSlot{
		Id:               string(s.Id),
		EventId:          s.EventId,
		AccountId:        s.AccountId,
		StreamKey:        s.StreamKey,
		Title:            s.Metadata.Title,
		Genre:            s.Metadata.Genre,
		Category:         s.Metadata.Category,
		Tags:             s.Metadata.Tags,
		SessionStartedAt: s.SessionStartedAt,
	}
}

type RedisBroadcast struct {
	Id         string        `json:"id"`
	TargetKind streamer.Kind `json:"target_kind"`
	TargetId   string        `json:"target_id"`
	StartAt    time.Time     `json:"start_at"`
	EndAt      time.Time     `json:"end_at"`
	// VideoKey is the blob key of the prerecorded video, empty for live
	// broadcasts.
	VideoKey  string    `json:"video_key,omitempty"`
	Title     string    `json:"title"`
	Genre     string    `json:"genre"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisRecording struct {
	Id           string    `json:"id"`
	StreamerId   string    `json:"streamer_id"`
	AccountId    string    `json:"account_id"`
	StartedAt    time.Time `json:"started_at"`
	VideoKey     string    `json:"video_key"`
	VideoUrl     string    `json:"video_url"`
	PosterKey    string    `json:"poster_key"`
	PosterUrl    string    `json:"poster_url"`
	Duration     string    `json:"duration"`
	TotalViewers int64     `json:"total_viewers"`
	Title        string    `json:"title"`
	Genre        string    `json:"genre"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
}

type redisThumbnailFlag struct {
	Status    streamer.ThumbnailStatus `json:"status"`
	UpdatedAt time.Time                `json:"updated_at"`
}

func marshal(v interface{}) []byte {
	j, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return j
}
