package scstoretest

import (
	"context"
	"errors"
	"sync"
	"time"

	"stagecast/engine/streamer"
	"stagecast/scstore"
)

// TestClient is an in-memory scstore.Client for engine tests.
type TestClient struct {
	Mu         sync.Mutex
	Accounts   map[string]*scstore.RedisAccount
	StageSlots map[string]*scstore.RedisStageSlot
	Current    map[streamer.Id]int64
	Total      map[streamer.Id]int64
	ThumbFlags map[streamer.Id]streamer.ThumbnailStatus
	ThumbTimes map[streamer.Id]time.Time
	Broadcasts map[string]*scstore.RedisBroadcast
	Recordings map[string]*scstore.RedisRecording

	// SaveStreamerErr, when set, makes every streamer save fail. Used to
	// exercise persistence-failure paths.
	SaveStreamerErr error
}

func NewTestClient() *TestClient {
	return &TestClient{
		Accounts:   make(map[string]*scstore.RedisAccount),
		StageSlots: make(map[string]*scstore.RedisStageSlot),
		Current:    make(map[streamer.Id]int64),
		Total:      make(map[streamer.Id]int64),
		ThumbFlags: make(map[streamer.Id]streamer.ThumbnailStatus),
		ThumbTimes: make(map[streamer.Id]time.Time),
		Broadcasts: make(map[string]*scstore.RedisBroadcast),
		Recordings: make(map[string]*scstore.RedisRecording),
	}
}

func (t *TestClient) GetAccount(_ context.Context, id string) (*scstore.RedisAccount, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	account, ok := t.Accounts[id]
	if !ok {
		return nil, scstore.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (t *TestClient) SaveAccount(_ context.Context, account *scstore.RedisAccount) error {
	if t.SaveStreamerErr != nil {
		return t.SaveStreamerErr
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	copied := *account
	t.Accounts[account.Id] = &copied
	return nil
}

func (t *TestClient) GetStageSlot(_ context.Context, id string) (*scstore.RedisStageSlot, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	slot, ok := t.StageSlots[id]
	if !ok {
		return nil, scstore.ErrNotFound
	}
	copied := *slot
	return &copied, nil
}

func (t *TestClient) SaveStageSlot(_ context.Context, slot *scstore.RedisStageSlot) error {
	if t.SaveStreamerErr != nil {
		return t.SaveStreamerErr
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	copied := *slot
	t.StageSlots[slot.Id] = &copied
	return nil
}

func (t *TestClient) GetStreamer(ctx context.Context, kind streamer.Kind, id string) (*streamer.Streamer, error) {
	if kind == streamer.KindAccount {
		account, err := t.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return account.Streamer(), nil
	}
	slot, err := t.GetStageSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	return slot.Streamer(), nil
}

func (t *TestClient) SaveStreamer(ctx context.Context, s *streamer.Streamer) error {
	if s.Kind == streamer.KindAccount {
		return t.SaveAccount(ctx, scstore.RedisAccountFromStreamer(s))
	}
	return t.SaveStageSlot(ctx, scstore.RedisStageSlotFromStreamer(s))
}

func (t *TestClient) ResolveStreamKey(ctx context.Context, streamKey string) (*streamer.Streamer, error) {
	t.Mu.Lock()
	for _, account := range t.Accounts {
		if account.StreamKey == streamKey {
			t.Mu.Unlock()
			return t.GetStreamer(ctx, streamer.KindAccount, account.Id)
		}
	}
	for _, slot := range t.StageSlots {
		if slot.StreamKey == streamKey {
			t.Mu.Unlock()
			return t.GetStreamer(ctx, streamer.KindStageSlot, slot.Id)
		}
	}
	t.Mu.Unlock()
	return nil, scstore.ErrUnknownStreamKey
}

func (t *TestClient) ResetViewers(_ context.Context, id streamer.Id) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.Current[id] = 0
	t.Total[id] = 0
	return nil
}

func (t *TestClient) IncrViewers(_ context.Context, id streamer.Id) (int64, int64, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.Current[id]++
	t.Total[id]++
	return t.Current[id], t.Total[id], nil
}

func (t *TestClient) DecrViewers(_ context.Context, id streamer.Id) (int64, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	if t.Current[id] > 0 {
		t.Current[id]--
	}
	return t.Current[id], nil
}

func (t *TestClient) GetViewers(_ context.Context, id streamer.Id) (int64, int64, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.Current[id], t.Total[id], nil
}

func (t *TestClient) GetThumbnailStatus(_ context.Context, id streamer.Id) (streamer.ThumbnailStatus, time.Time, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.ThumbFlags[id], t.ThumbTimes[id], nil
}

func (t *TestClient) SetThumbnailStatus(_ context.Context, id streamer.Id, status streamer.ThumbnailStatus, at time.Time) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.ThumbFlags[id] = status
	t.ThumbTimes[id] = at
	return nil
}

func (t *TestClient) SweepStaleThumbnailFlags(_ context.Context, cutoff time.Time, resetAt time.Time) (int, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	swept := 0
	for id, status := range t.ThumbFlags {
		if status == streamer.ThumbnailInProgress && t.ThumbTimes[id].Before(cutoff) {
			t.ThumbFlags[id] = streamer.ThumbnailReady
			t.ThumbTimes[id] = resetAt
			swept++
		}
	}
	return swept, nil
}

func (t *TestClient) SaveBroadcast(_ context.Context, b *scstore.RedisBroadcast) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	copied := *b
	t.Broadcasts[b.Id] = &copied
	return nil
}

func (t *TestClient) BroadcastsStartingIn(_ context.Context, after time.Time, until time.Time) ([]*scstore.RedisBroadcast, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	var result []*scstore.RedisBroadcast
	for _, b := range t.Broadcasts {
		if b.StartAt.After(after) && !b.StartAt.After(until) {
			copied := *b
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (t *TestClient) BroadcastsLiveAt(_ context.Context, at time.Time) ([]*scstore.RedisBroadcast, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	var result []*scstore.RedisBroadcast
	for _, b := range t.Broadcasts {
		if !b.StartAt.After(at) && b.EndAt.After(at) {
			copied := *b
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (t *TestClient) SaveRecording(_ context.Context, rec *scstore.RedisRecording) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	copied := *rec
	t.Recordings[rec.Id] = &copied
	return nil
}

func (t *TestClient) GetRecording(_ context.Context, id string) (*scstore.RedisRecording, error) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	rec, ok := t.Recordings[id]
	if !ok {
		return nil, scstore.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (t *TestClient) TickMutex() scstore.Mutex {
	return &LocalMutex{}
}

func (t *TestClient) SweepMutex() scstore.Mutex {
	return &LocalMutex{}
}

type LocalMutex struct {
	mutex sync.Mutex
}

func (l *LocalMutex) Lock() error {
	if l.mutex.TryLock() {
		return nil
	}
	return errors.New("lock failed")
}

func (l *LocalMutex) Unlock() (bool, error) {
	l.mutex.Unlock()
	return true, nil
}
