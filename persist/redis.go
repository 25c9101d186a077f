// Package persist writes transcripts and session metadata to Redis.
// Writes go through a bounded queue serviced by one worker, so a slow
// or absent Redis never stalls the audio path.
package persist

import (
	"context"
	"log"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"voicelink/transcript"
)

const (
	queueSize    = 512
	writeTimeout = 5 * time.Second
)

type saveJob struct {
	sessionID string
	entry     transcript.Entry
}

// RedisStore implements transcript.Store. A store whose Redis is
// unreachable degrades to a no-op, matching how the rest of the system
// treats persistence as best effort.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	queue   chan saveJob
	done    chan struct{}
	stopped chan struct{}
}

// NewRedisStore connects to Redis. If the ping fails the store still
// works, it just drops writes.
func NewRedisStore(addr, password string, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️ Redis unavailable at %s, transcripts will not be persisted: %v", addr, err)
		client.Close()
		client = nil
	}

	s := &RedisStore{
		client:  client,
		ttl:     ttl,
		queue:   make(chan saveJob, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.worker()
	return s
}

// SaveEntry queues one transcript entry. Never blocks; the entry is
// dropped when the queue is full.
func (s *RedisStore) SaveEntry(_ context.Context, sessionID string, entry transcript.Entry) error {
	if s.client == nil {
		return nil
	}
	select {
	case s.queue <- saveJob{sessionID: sessionID, entry: entry}:
	default:
		log.Printf("⚠️ Persistence queue full, dropping transcript entry %s", entry.ID[:8])
	}
	return nil
}

// OpenSession records session metadata.
func (s *RedisStore) OpenSession(ctx context.Context, sessionID, provider, voice, language string) {
	if s.client == nil {
		return
	}
	key := "session:" + sessionID
	s.client.HSet(ctx, key, map[string]interface{}{
		"created_at": time.Now().Format(time.RFC3339),
		"status":     "active",
		"provider":   provider,
		"voice":      voice,
		"language":   language,
	})
	s.client.SAdd(ctx, "active_sessions", sessionID)
	s.client.Expire(ctx, key, s.ttl)
}

// CloseSession marks a session finished and drops it from the active set.
func (s *RedisStore) CloseSession(ctx context.Context, sessionID string) {
	if s.client == nil {
		return
	}
	s.client.HSet(ctx, "session:"+sessionID, "status", "closed")
	s.client.SRem(ctx, "active_sessions", sessionID)
}

// Close drains queued writes and releases the connection.
func (s *RedisStore) Close() {
	close(s.done)
	<-s.stopped
	if s.client != nil {
		s.client.Close()
	}
}

func (s *RedisStore) worker() {
	defer close(s.stopped)
	for {
		select {
		case job := <-s.queue:
			s.write(job)
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case job := <-s.queue:
					s.write(job)
				default:
					return
				}
			}
		}
	}
}

func (s *RedisStore) write(job saveJob) {
	payload, err := sonic.Marshal(job.entry)
	if err != nil {
		log.Printf("❌ Failed to encode transcript entry %s: %v", job.entry.ID[:8], err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := "transcript:" + job.sessionID
	if err := s.client.RPush(ctx, key, payload).Err(); err != nil {
		log.Printf("❌ Failed to persist transcript entry %s: %v", job.entry.ID[:8], err)
		return
	}
	s.client.Expire(ctx, key, s.ttl)
}
