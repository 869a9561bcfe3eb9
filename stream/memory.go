package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryClient is an in-memory implementation of Client for testing.
//
// It models the subset of Redis Streams semantics the core depends on:
// monotonic entry ids, consumer groups with a delivery cursor, a pending-entry
// list with per-entry idle time and delivery counts, and claim-by-idle-time
// ownership transfer. The clock is controllable so tests can simulate stalled
// consumers without sleeping:
//
//	mc := stream.NewMemoryClient()
//	// ... deliver a message, then simulate a crashed consumer:
//	mc.Advance(time.Minute)
type MemoryClient struct {
	mu      sync.Mutex
	base    time.Time
	offset  time.Duration
	lastMs  int64
	lastSeq int64
	streams map[string]*memStream
}

type memStream struct {
	entries []memEntry // ascending id order
	groups  map[string]*memGroup
}

type memEntry struct {
	id     string
	values map[string]interface{}
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
}

type memPending struct {
	consumer     string
	deliveries   int64
	lastDelivery time.Time
}

// NewMemoryClient creates an empty in-memory stream client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		base:    time.Now(),
		streams: make(map[string]*memStream),
	}
}

// Advance moves the fake clock forward, aging all pending entries.
func (c *MemoryClient) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func (c *MemoryClient) now() time.Time {
	return c.base.Add(c.offset)
}

func (c *MemoryClient) stream(name string) *memStream {
	st, ok := c.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		c.streams[name] = st
	}
	return st
}

func (c *MemoryClient) nextID() string {
	ms := c.now().UnixMilli()
	if ms < c.lastMs {
		ms = c.lastMs
	}
	if ms == c.lastMs {
		c.lastSeq++
	} else {
		c.lastMs = ms
		c.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, c.lastSeq)
}

// compareIDs orders stream ids of the form "<ms>-<seq>".
func compareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func splitID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		n, _ := strconv.ParseInt(id, 10, 64)
		return n, 0
	}
	m, _ := strconv.ParseInt(ms, 10, 64)
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}

// XAdd implements Client.
func (c *MemoryClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	st := c.stream(a.Stream)

	values, ok := a.Values.(map[string]interface{})
	if !ok {
		cmd.SetErr(errors.New("memory: XADD values must be a map"))
		return cmd
	}
	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}

	id := a.ID
	if id == "" || id == "*" {
		id = c.nextID()
	}
	st.entries = append(st.entries, memEntry{id: id, values: copied})

	if a.MaxLen > 0 && int64(len(st.entries)) > a.MaxLen {
		st.entries = st.entries[int64(len(st.entries))-a.MaxLen:]
	}

	cmd.SetVal(id)
	return cmd
}

// XGroupCreateMkStream implements Client.
func (c *MemoryClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	st := c.stream(stream)
	if _, exists := st.groups[group]; exists {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}

	last := "0-0"
	if start == "$" {
		if n := len(st.entries); n > 0 {
			last = st.entries[n-1].id
		}
	} else if start != "0" && start != "" {
		last = start
	}
	st.groups[group] = &memGroup{
		lastDelivered: last,
		pending:       make(map[string]*memPending),
	}
	cmd.SetVal("OK")
	return cmd
}

// XReadGroup implements Client. The ">" cursor delivers new entries and adds
// them to the pending list; the "0" cursor re-reads the consumer's own
// pending entries. Blocking is not simulated: an empty read returns
// redis.Nil immediately.
func (c *MemoryClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewXStreamSliceCmd(ctx)
	if len(a.Streams) != 2 {
		cmd.SetErr(errors.New("memory: XREADGROUP expects one stream/cursor pair"))
		return cmd
	}
	name, cursor := a.Streams[0], a.Streams[1]
	st := c.stream(name)
	g, ok := st.groups[a.Group]
	if !ok {
		cmd.SetErr(fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", a.Group, name))
		return cmd
	}

	var msgs []redis.XMessage
	switch cursor {
	case ">":
		for _, e := range st.entries {
			if compareIDs(e.id, g.lastDelivered) <= 0 {
				continue
			}
			msgs = append(msgs, redis.XMessage{ID: e.id, Values: copyValues(e.values)})
			g.pending[e.id] = &memPending{
				consumer:     a.Consumer,
				deliveries:   1,
				lastDelivery: c.now(),
			}
			g.lastDelivered = e.id
			if a.Count > 0 && int64(len(msgs)) >= a.Count {
				break
			}
		}
	default:
		ids := make([]string, 0, len(g.pending))
		for id, p := range g.pending {
			if p.consumer == a.Consumer {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })
		for _, id := range ids {
			if e, ok := st.entry(id); ok {
				msgs = append(msgs, redis.XMessage{ID: id, Values: copyValues(e.values)})
			}
			if a.Count > 0 && int64(len(msgs)) >= a.Count {
				break
			}
		}
	}

	if len(msgs) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: name, Messages: msgs}})
	return cmd
}

// XAck implements Client.
func (c *MemoryClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	st := c.stream(stream)
	g, ok := st.groups[group]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var n int64
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

// XDel implements Client. Pending-list entries survive deletion, as in Redis.
func (c *MemoryClient) XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	st := c.stream(stream)
	var n int64
	for _, id := range ids {
		for i, e := range st.entries {
			if e.id == id {
				st.entries = append(st.entries[:i], st.entries[i+1:]...)
				n++
				break
			}
		}
	}
	cmd.SetVal(n)
	return cmd
}

// XPendingExt implements Client for full-range queries with an idle filter.
func (c *MemoryClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewXPendingExtCmd(ctx)
	st := c.stream(a.Stream)
	g, ok := st.groups[a.Group]
	if !ok {
		cmd.SetVal(nil)
		return cmd
	}

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })

	var out []redis.XPendingExt
	for _, id := range ids {
		p := g.pending[id]
		idle := c.now().Sub(p.lastDelivery)
		if a.Idle > 0 && idle < a.Idle {
			continue
		}
		if a.Consumer != "" && p.consumer != a.Consumer {
			continue
		}
		out = append(out, redis.XPendingExt{
			ID:         id,
			Consumer:   p.consumer,
			Idle:       idle,
			RetryCount: p.deliveries,
		})
		if a.Count > 0 && int64(len(out)) >= a.Count {
			break
		}
	}
	cmd.SetVal(out)
	return cmd
}

// XClaim implements Client. Ownership moves only for entries idle at least
// MinIdle; the first claimer wins and resets the idle clock. Claimed ids
// whose entries were deleted are dropped from the pending list, as in Redis.
func (c *MemoryClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	st := c.stream(a.Stream)
	g, ok := st.groups[a.Group]
	if !ok {
		cmd.SetVal(nil)
		return cmd
	}

	var out []redis.XMessage
	for _, id := range a.Messages {
		p, pending := g.pending[id]
		if !pending {
			continue
		}
		if c.now().Sub(p.lastDelivery) < a.MinIdle {
			continue
		}
		e, exists := st.entry(id)
		if !exists {
			delete(g.pending, id)
			continue
		}
		p.consumer = a.Consumer
		p.lastDelivery = c.now()
		p.deliveries++
		out = append(out, redis.XMessage{ID: id, Values: copyValues(e.values)})
	}
	cmd.SetVal(out)
	return cmd
}

// XRangeN implements Client for "-"/"+"/id/exclusive-id bounds.
func (c *MemoryClient) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	st := c.stream(stream)

	exclusive := strings.HasPrefix(start, "(")
	start = strings.TrimPrefix(start, "(")

	var out []redis.XMessage
	for _, e := range st.entries {
		if start != "-" {
			cmp := compareIDs(e.id, start)
			if cmp < 0 || (exclusive && cmp == 0) {
				continue
			}
		}
		if stop != "+" && compareIDs(e.id, stop) > 0 {
			break
		}
		out = append(out, redis.XMessage{ID: e.id, Values: copyValues(e.values)})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	cmd.SetVal(out)
	return cmd
}

// XLen implements Client.
func (c *MemoryClient) XLen(ctx context.Context, stream string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(c.stream(stream).entries)))
	return cmd
}

// XTrimMaxLen implements Client.
func (c *MemoryClient) XTrimMaxLen(ctx context.Context, key string, maxLen int64) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	st := c.stream(key)
	excess := int64(len(st.entries)) - maxLen
	if excess < 0 {
		excess = 0
	}
	st.entries = st.entries[excess:]
	cmd.SetVal(excess)
	return cmd
}

// Ping implements Client.
func (c *MemoryClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (s *memStream) entry(id string) (memEntry, bool) {
	for _, e := range s.entries {
		if e.id == id {
			return e, true
		}
	}
	return memEntry{}, false
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ Client = (*MemoryClient)(nil)
