package scstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"

	"stagecast/engine/streamer"
)

var (
	ErrUnknownStreamKey = errors.New("stream key does not resolve to a streamer")
	ErrNotFound         = errors.New("record not found")
)

// Mutex is a process-group lock. Lock returns an error when the lock is
// held elsewhere; callers treat that as "someone else is doing this".
type Mutex interface {
	Lock() error
	Unlock() (bool, error)
}

type Client interface {
	GetAccount(ctx context.Context, id string) (*RedisAccount, error)
	SaveAccount(ctx context.Context, account *RedisAccount) error
	GetStageSlot(ctx context.Context, id string) (*RedisStageSlot, error)
	SaveStageSlot(ctx context.Context, slot *RedisStageSlot) error
	GetStreamer(ctx context.Context, kind streamer.Kind, id string) (*streamer.Streamer, error)
	SaveStreamer(ctx context.Context, s *streamer.Streamer) error
	ResolveStreamKey(ctx context.Context, streamKey string) (*streamer.Streamer, error)

	ResetViewers(ctx context.Context, id streamer.Id) error
	IncrViewers(ctx context.Context, id streamer.Id) (current int64, total int64, err error)
	DecrViewers(ctx context.Context, id streamer.Id) (current int64, err error)
	GetViewers(ctx context.Context, id streamer.Id) (current int64, total int64, err error)

	GetThumbnailStatus(ctx context.Context, id streamer.Id) (streamer.ThumbnailStatus, time.Time, error)
	SetThumbnailStatus(ctx context.Context, id streamer.Id, status streamer.ThumbnailStatus, at time.Time) error
	SweepStaleThumbnailFlags(ctx context.Context, cutoff time.Time, resetAt time.Time) (int, error)

	SaveBroadcast(ctx context.Context, b *RedisBroadcast) error
	// BroadcastsStartingIn returns broadcasts whose start time falls in
	// the half-open interval (after, until].
	BroadcastsStartingIn(ctx context.Context, after time.Time, until time.Time) ([]*RedisBroadcast, error)
	// BroadcastsLiveAt returns broadcasts with start <= at and end > at.
	BroadcastsLiveAt(ctx context.Context, at time.Time) ([]*RedisBroadcast, error)

	SaveRecording(ctx context.Context, r *RedisRecording) error
	GetRecording(ctx context.Context, id string) (*RedisRecording, error)

	TickMutex() Mutex
	SweepMutex() Mutex
}

type RealClient struct {
	Redis   *redis.Client
	Redsync *redsync.Redsync
}

// decrFloorScript is the atomic "decrement with floor at zero" used for
// viewer counts, so concurrent joins and leaves from many connections
// never drive the counter negative.
var decrFloorScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return v`)

func (r *RealClient) GetAccount(ctx context.Context, id string) (*RedisAccount, error) {
	j, err := r.Redis.HGet(ctx, AccountsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var account RedisAccount
	if err := json.Unmarshal([]byte(j), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *RealClient) SaveAccount(ctx context.Context, account *RedisAccount) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, AccountsKey, account.Id, marshal(account))
		pipe.HSet(ctx, AccountStreamKeysKey, account.StreamKey, account.Id)
		return nil
	})
	return err
}

func (r *RealClient) GetStageSlot(ctx context.Context, id string) (*RedisStageSlot, error) {
	j, err := r.Redis.HGet(ctx, StageSlotsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var slot RedisStageSlot
	if err := json.Unmarshal([]byte(j), &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

func (r *RealClient) SaveStageSlot(ctx context.Context, slot *RedisStageSlot) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, StageSlotsKey, slot.Id, marshal(slot))
		pipe.HSet(ctx, SlotStreamKeysKey, slot.StreamKey, slot.Id)
		return nil
	})
	return err
}

func (r *RealClient) GetStreamer(ctx context.Context, kind streamer.Kind, id string) (*streamer.Streamer, error) {
	switch kind {
	case streamer.KindAccount:
		account, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return account.Streamer(), nil
	case streamer.KindStageSlot:
		slot, err := r.GetStageSlot(ctx, id)
		if err != nil {
			return nil, err
		}
		return slot.Streamer(), nil
	default:
		return nil, fmt.Errorf("unknown streamer kind: %d", kind)
	}
}

func (r *RealClient) SaveStreamer(ctx context.Context, s *streamer.Streamer) error {
	switch s.Kind {
	case streamer.KindAccount:
		return r.SaveAccount(ctx, RedisAccountFromStreamer(s))
	case streamer.KindStageSlot:
		return r.SaveStageSlot(ctx, RedisStageSlotFromStreamer(s))
	default:
		return fmt.Errorf("unknown streamer kind: %d", s.Kind)
	}
}

// ResolveStreamKey resolves against accounts first, then stage slots.
// Stream keys must not collide across the two; when they do, the account
// wins deterministically.
func (r *RealClient) ResolveStreamKey(ctx context.Context, streamKey string) (*streamer.Streamer, error) {
	accountId, err := r.Redis.HGet(ctx, AccountStreamKeysKey, streamKey).Result()
	if err == nil {
		return r.GetStreamer(ctx, streamer.KindAccount, accountId)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	slotId, err := r.Redis.HGet(ctx, SlotStreamKeysKey, streamKey).Result()
	if err == nil {
		return r.GetStreamer(ctx, streamer.KindStageSlot, slotId)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return nil, ErrUnknownStreamKey
}

func (r *RealClient) ResetViewers(ctx context.Context, id streamer.Id) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, CurrentViewersKey+string(id), 0, 0)
		pipe.Set(ctx, TotalViewersKey+string(id), 0, 0)
		return nil
	})
	return err
}

func (r *RealClient) IncrViewers(ctx context.Context, id streamer.Id) (int64, int64, error) {
	var currentCmd, totalCmd *redis.IntCmd
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		currentCmd = pipe.Incr(ctx, CurrentViewersKey+string(id))
		totalCmd = pipe.Incr(ctx, TotalViewersKey+string(id))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return currentCmd.Val(), totalCmd.Val(), nil
}

func (r *RealClient) DecrViewers(ctx context.Context, id streamer.Id) (int64, error) {
	return decrFloorScript.Run(ctx, r.Redis, []string{CurrentViewersKey + string(id)}).Int64()
}

func (r *RealClient) GetViewers(ctx context.Context, id streamer.Id) (int64, int64, error) {
	current, err := r.getCounter(ctx, CurrentViewersKey+string(id))
	if err != nil {
		return 0, 0, err
	}
	total, err := r.getCounter(ctx, TotalViewersKey+string(id))
	if err != nil {
		return 0, 0, err
	}
	return current, total, nil
}

func (r *RealClient) getCounter(ctx context.Context, key string) (int64, error) {
	v, err := r.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *RealClient) GetThumbnailStatus(ctx context.Context, id streamer.Id) (streamer.ThumbnailStatus, time.Time, error) {
	j, err := r.Redis.Get(ctx, ThumbnailStatusKey+string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return streamer.ThumbnailReady, time.Time{}, nil
	}
	if err != nil {
		return streamer.ThumbnailReady, time.Time{}, err
	}
	var flag redisThumbnailFlag
	if err := json.Unmarshal([]byte(j), &flag); err != nil {
		return streamer.ThumbnailReady, time.Time{}, err
	}
	return flag.Status, flag.UpdatedAt, nil
}

func (r *RealClient) SetThumbnailStatus(ctx context.Context, id streamer.Id, status streamer.ThumbnailStatus, at time.Time) error {
	flag := redisThumbnailFlag{Status: status, UpdatedAt: at}
	return r.Redis.Set(ctx, ThumbnailStatusKey+string(id), marshal(&flag), 0).Err()
}

// SweepStaleThumbnailFlags resets InProgress flags last touched before
// cutoff back to Ready. Run once at process start so a crash mid-generation
// cannot wedge a streamer's thumbnail cache forever.
func (r *RealClient) SweepStaleThumbnailFlags(ctx context.Context, cutoff time.Time, resetAt time.Time) (int, error) {
	var swept int
	iter := r.Redis.Scan(ctx, 0, ThumbnailStatusKey+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		j, err := r.Redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return swept, err
		}
		var flag redisThumbnailFlag
		if err := json.Unmarshal([]byte(j), &flag); err != nil {
			return swept, err
		}
		if flag.Status != streamer.ThumbnailInProgress || !flag.UpdatedAt.Before(cutoff) {
			continue
		}
		flag = redisThumbnailFlag{Status: streamer.ThumbnailReady, UpdatedAt: resetAt}
		if err := r.Redis.Set(ctx, key, marshal(&flag), 0).Err(); err != nil {
			return swept, err
		}
		swept++
	}
	if err := iter.Err(); err != nil {
		return swept, err
	}
	return swept, nil
}

func (r *RealClient) SaveBroadcast(ctx context.Context, b *RedisBroadcast) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, BroadcastsKey, b.Id, marshal(b))
		pipe.ZAdd(ctx, BroadcastStartsKey, redis.Z{
			Score:  float64(b.StartAt.UnixMilli()),
			Member: b.Id,
		})
		return nil
	})
	return err
}

func (r *RealClient) BroadcastsStartingIn(ctx context.Context, after time.Time, until time.Time) ([]*RedisBroadcast, error) {
	ids, err := r.Redis.ZRangeByScore(ctx, BroadcastStartsKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after.UnixMilli(), 10),
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.broadcastsByIds(ctx, ids, nil)
}

func (r *RealClient) BroadcastsLiveAt(ctx context.Context, at time.Time) ([]*RedisBroadcast, error) {
	ids, err := r.Redis.ZRangeByScore(ctx, BroadcastStartsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(at.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.broadcastsByIds(ctx, ids, func(b *RedisBroadcast) bool {
		return b.EndAt.After(at)
	})
}

func (r *RealClient) broadcastsByIds(ctx context.Context, ids []string, keep func(*RedisBroadcast) bool) ([]*RedisBroadcast, error) {
	var broadcasts []*RedisBroadcast
	for _, id := range ids {
		j, err := r.Redis.HGet(ctx, BroadcastsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			// Reaped by the external TTL cleaner between the index read
			// and here.
			continue
		}
		if err != nil {
			return nil, err
		}
		var b RedisBroadcast
		if err := json.Unmarshal([]byte(j), &b); err != nil {
			return nil, err
		}
		if keep != nil && !keep(&b) {
			continue
		}
		broadcasts = append(broadcasts, &b)
	}
	return broadcasts, nil
}

func (r *RealClient) SaveRecording(ctx context.Context, rec *RedisRecording) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RecordingsKey, rec.Id, marshal(rec))
		pipe.SAdd(ctx, StreamerRecordingsKey+rec.StreamerId, rec.Id)
		return nil
	})
	return err
}

func (r *RealClient) GetRecording(ctx context.Context, id string) (*RedisRecording, error) {
	j, err := r.Redis.HGet(ctx, RecordingsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec RedisRecording
	if err := json.Unmarshal([]byte(j), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RealClient) TickMutex() Mutex {
	return r.Redsync.NewMutex(TickLockKey, redsync.WithExpiry(MutexDuration), redsync.WithTries(1))
}

func (r *RealClient) SweepMutex() Mutex {
	return r.Redsync.NewMutex(SweepLockKey, redsync.WithExpiry(MutexDuration), redsync.WithTries(1))
}
