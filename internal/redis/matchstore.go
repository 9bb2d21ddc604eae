package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

const (
	waitingKey        = "match:waiting"
	assignedKeyPrefix = "match:assigned:"
	roomKeyPrefix     = "room:"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("client is not a member of the room")
)

// matchScript pairs the caller with the oldest live waiting client in one
// atomic step, so two concurrent callers can never claim the same waiter.
// The claimed waiter gets an assignment record pointing at the new room.
//
// KEYS[1] waiting set (member = client id, score = registration expiry, ms)
// KEYS[2] room hash for the room that would be created
// KEYS[3] assignment record of the caller
// ARGV[1] caller id, ARGV[2] room id, ARGV[3] now (ms),
// ARGV[4] waiting ttl (ms), ARGV[5] room ttl (s), ARGV[6] assignment prefix
//
// Returns the peer id, or nil after enqueueing the caller.
var matchScript = redis.NewScript(`
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[3])
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  redis.call('ZADD', KEYS[1], now + tonumber(ARGV[4]), ARGV[1])
  return false
end
local peer = head[1]
redis.call('ZREM', KEYS[1], peer)
redis.call('HSET', KEYS[2], 'id', ARGV[2], 'offerer', ARGV[1], 'answerer', peer, 'createdAt', ARGV[3])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[5]))
local assigned = ARGV[6] .. peer
redis.call('HSET', assigned, 'room', ARGV[2], 'peer', ARGV[1])
redis.call('EXPIRE', assigned, tonumber(ARGV[5]))
return peer
`)

// renewScript extends a live waiting registration. It never enqueues: a
// client whose registration was claimed gets its assignment back instead.
//
// KEYS[1] waiting set, KEYS[2] assignment record of the caller
// ARGV[1] caller id, ARGV[2] now (ms), ARGV[3] waiting ttl (ms)
var renewScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) > now then
  redis.call('ZADD', KEYS[1], 'XX', now + tonumber(ARGV[3]), ARGV[1])
  return {'waiting'}
end
if score then
  redis.call('ZREM', KEYS[1], ARGV[1])
end
local a = redis.call('HMGET', KEYS[2], 'room', 'peer')
if a[1] then
  return {'assigned', a[1], a[2]}
end
return {'expired'}
`)

// deleteRoomScript removes a room on behalf of a member, together with any
// assignment record still pointing at it.
//
// KEYS[1] room hash
// ARGV[1] room id, ARGV[2] caller id, ARGV[3] assignment prefix
//
// Returns 0 when the room does not exist, -1 when the caller is not a member.
var deleteRoomScript = redis.NewScript(`
local m = redis.call('HMGET', KEYS[1], 'offerer', 'answerer')
if not m[1] then
  return 0
end
if m[1] ~= ARGV[2] and m[2] ~= ARGV[2] then
  return -1
end
redis.call('DEL', KEYS[1])
for _, member in ipairs(m) do
  if member then
    local k = ARGV[3] .. member
    if redis.call('HGET', k, 'room') == ARGV[1] then
      redis.call('DEL', k)
    end
  end
end
return 1
`)

// MatchStore is the atomic matchmaking queue and room registry
type MatchStore struct {
	rdb     *redis.Client
	clock   clockwork.Clock
	waitTTL time.Duration
	roomTTL time.Duration
	newID   func() string
}

func NewMatchStore(rdb *redis.Client, waitTTL, roomTTL time.Duration, clock clockwork.Clock) *MatchStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MatchStore{
		rdb:     rdb,
		clock:   clock,
		waitTTL: waitTTL,
		roomTTL: roomTTL,
		newID:   uuid.NewString,
	}
}

// Match either pairs clientID with a waiting client, returning the new room
// with clientID as offerer, or registers clientID as waiting and returns nil.
func (s *MatchStore) Match(ctx context.Context, clientID string) (*models.RoomMetadata, error) {
	if clientID == "" {
		return nil, fmt.Errorf("match: empty client id")
	}
	roomID := s.newID()
	now := s.clock.Now()

	peer, err := matchScript.Run(ctx, s.rdb,
		[]string{waitingKey, roomKeyPrefix + roomID, assignedKeyPrefix + clientID},
		clientID,
		roomID,
		now.UnixMilli(),
		s.waitTTL.Milliseconds(),
		int64(s.roomTTL.Seconds()),
		assignedKeyPrefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match script: %w", err)
	}

	return &models.RoomMetadata{
		ID:        roomID,
		Offerer:   clientID,
		Answerer:  peer,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Renew extends the waiting registration of clientID. It reports the room
// when the registration was already claimed, and RenewExpired when there is
// nothing left to renew; the caller then has to Match again.
func (s *MatchStore) Renew(ctx context.Context, clientID string) (models.RenewResponse, error) {
	if clientID == "" {
		return models.RenewResponse{}, fmt.Errorf("renew: empty client id")
	}
	res, err := renewScript.Run(ctx, s.rdb,
		[]string{waitingKey, assignedKeyPrefix + clientID},
		clientID,
		s.clock.Now().UnixMilli(),
		s.waitTTL.Milliseconds(),
	).StringSlice()
	if err != nil {
		return models.RenewResponse{}, fmt.Errorf("renew script: %w", err)
	}
	if len(res) == 0 {
		return models.RenewResponse{}, fmt.Errorf("renew script: empty reply")
	}

	out := models.RenewResponse{Status: models.RenewStatus(res[0])}
	if out.Status == models.RenewAssigned {
		if len(res) < 3 {
			return models.RenewResponse{}, fmt.Errorf("renew script: short assignment reply")
		}
		out.Assignment = &models.RoomAssignment{RoomID: res[1], PeerID: res[2], Offerer: false}
	}
	return out, nil
}

// Leave removes the waiting registration of clientID and its assignment
// record, if any
func (s *MatchStore) Leave(ctx context.Context, clientID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, waitingKey, clientID)
		pipe.Del(ctx, assignedKeyPrefix+clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	return nil
}

// QueueSize counts live waiting registrations
func (s *MatchStore) QueueSize(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	n, err := s.rdb.ZCount(ctx, waitingKey, "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// GetRoom loads a room record
func (s *MatchStore) GetRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	fields, err := s.rdb.HGetAll(ctx, roomKeyPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRoomNotFound
	}

	room := &models.RoomMetadata{
		ID:       fields["id"],
		Offerer:  fields["offerer"],
		Answerer: fields["answerer"],
	}
	if ms, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		room.CreatedAt = time.UnixMilli(ms)
	}
	return room, nil
}

// DeleteRoom removes a room record on behalf of one of its members
func (s *MatchStore) DeleteRoom(ctx context.Context, roomID, clientID string) error {
	n, err := deleteRoomScript.Run(ctx, s.rdb,
		[]string{roomKeyPrefix + roomID},
		roomID,
		clientID,
		assignedKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	switch n {
	case 0:
		return ErrRoomNotFound
	case -1:
		return ErrNotMember
	}
	return nil
}
