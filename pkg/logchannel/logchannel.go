// Package logchannel implements the live log-streaming channel: an
// append-only, offset-readable, TTL-bounded history of subprocess output
// per task, with strictly monotonic sequence numbers and a truncation
// marker when the per-task cap is exceeded. Readers never block writers
// and vice versa: both operate on the same Redis list under independent
// commands.
package logchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

const maxLineBytes = 64 * 1024

// Config configures a Channel.
type Config struct {
	// Retention is how long a task's log entries survive after the last
	// append, enforced via Redis key TTL.
	Retention time.Duration
	// MaxLinesPerTask bounds per-task storage; once exceeded the oldest
	// entries are dropped and a truncation marker is inserted.
	MaxLinesPerTask int
	// KeyPrefix namespaces all Redis keys this Channel touches.
	KeyPrefix string
}

// Channel is a Redis-backed log channel.
type Channel struct {
	rdb       *redis.Client
	retention time.Duration
	maxLines  int
	keyPrefix string
}

// New builds a Channel backed by rdb.
func New(rdb *redis.Client, cfg Config) *Channel {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wrenchbot"
	}
	maxLines := cfg.MaxLinesPerTask
	if maxLines == 0 {
		maxLines = 50000
	}
	return &Channel{rdb: rdb, retention: cfg.Retention, maxLines: maxLines, keyPrefix: prefix}
}

func (c *Channel) entriesKey(taskID string) string { return fmt.Sprintf("%s:log:%s:entries", c.keyPrefix, taskID) }
func (c *Channel) seqKey(taskID string) string     { return fmt.Sprintf("%s:log:%s:seq", c.keyPrefix, taskID) }

// Append adds one line to task's log. Lines longer than 64 KiB are split
// at the boundary into multiple entries sharing the same stream tag.
func (c *Channel) Append(ctx context.Context, taskID string, stream types.StreamTag, line string) error {
	chunks := splitAt(line, maxLineBytes)
	for _, chunk := range chunks {
		if err := c.appendOne(ctx, taskID, stream, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) appendOne(ctx context.Context, taskID string, stream types.StreamTag, message string) error {
	seq, err := c.rdb.Incr(ctx, c.seqKey(taskID)).Result()
	if err != nil {
		return sharederrors.FailedToWithDetails("allocate sequence", "logchannel", taskID, err)
	}

	entry := types.LogEntry{
		TaskID:    taskID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Message:   message,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return sharederrors.FailedToWithDetails("marshal entry", "logchannel", taskID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, c.entriesKey(taskID), payload)
	if c.retention > 0 {
		pipe.Expire(ctx, c.entriesKey(taskID), c.retention)
		pipe.Expire(ctx, c.seqKey(taskID), c.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return sharederrors.FailedToWithDetails("append", "logchannel", taskID, err)
	}

	return c.enforceCap(ctx, taskID, seq)
}

// enforceCap drops the oldest entries once the list exceeds maxLines,
// inserting a truncation marker in their place.
func (c *Channel) enforceCap(ctx context.Context, taskID string, lastSeq int64) error {
	length, err := c.rdb.LLen(ctx, c.entriesKey(taskID)).Result()
	if err != nil {
		return sharederrors.FailedToWithDetails("check length", "logchannel", taskID, err)
	}
	if length <= int64(c.maxLines) {
		return nil
	}

	overflow := length - int64(c.maxLines)
	if err := c.rdb.LTrim(ctx, c.entriesKey(taskID), overflow, -1).Err(); err != nil {
		return sharederrors.FailedToWithDetails("trim", "logchannel", taskID, err)
	}

	marker := types.LogEntry{
		TaskID:    taskID,
		Sequence:  lastSeq,
		Timestamp: time.Now().UTC(),
		Stream:    types.StreamSystem,
		Message:   fmt.Sprintf("[truncated %d lines]", overflow),
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return sharederrors.FailedToWithDetails("marshal truncation marker", "logchannel", taskID, err)
	}
	return c.rdb.LPush(ctx, c.entriesKey(taskID), payload).Err()
}

// ReadResult is the paginated output of Read.
type ReadResult struct {
	Entries    []types.LogEntry
	NextOffset int64
	Total      int64
	HasMore    bool
}

// Read returns up to max entries for taskID starting at offset (an index
// into the stored list, not a sequence number), plus the next offset to
// resume from and whether more entries remain.
func (c *Channel) Read(ctx context.Context, taskID string, offset int64, max int64) (ReadResult, error) {
	if max <= 0 {
		max = 100
	}
	raws, err := c.rdb.LRange(ctx, c.entriesKey(taskID), offset, offset+max-1).Result()
	if err != nil {
		return ReadResult{}, sharederrors.FailedToWithDetails("read", "logchannel", taskID, err)
	}

	entries := make([]types.LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry types.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return ReadResult{}, sharederrors.FailedToWithDetails("unmarshal entry", "logchannel", taskID, err)
		}
		entries = append(entries, entry)
	}

	total, err := c.rdb.LLen(ctx, c.entriesKey(taskID)).Result()
	if err != nil {
		return ReadResult{}, sharederrors.FailedToWithDetails("length", "logchannel", taskID, err)
	}

	nextOffset := offset + int64(len(entries))
	return ReadResult{
		Entries:    entries,
		NextOffset: nextOffset,
		Total:      total,
		HasMore:    nextOffset < total,
	}, nil
}

// splitAt breaks s into chunks of at most n bytes, preserving byte
// boundaries (not rune boundaries) to match the spec's "line exceeding
// 64 KiB is split at the boundary" behavior for subprocess output.
func splitAt(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var chunks []string
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
