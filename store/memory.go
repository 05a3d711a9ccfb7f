package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teranos/relay/errors"
)

const (
	// subscriberBuffer bounds each subscription channel. Publishes to a
	// full channel are dropped so one stalled consumer cannot back up
	// the store.
	subscriberBuffer = 64

	janitorInterval = time.Second
)

// Memory is an in-process Store. It is safe for concurrent use and mirrors
// the Redis realization's semantics closely enough that the broker test
// suite runs against either backend unchanged.
type Memory struct {
	mu sync.RWMutex

	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	strings map[string]string
	streams map[string][]StreamEntry

	// expiry holds absolute deadlines per key, regardless of type.
	// Expired keys are dropped lazily on access and by the janitor.
	expiry map[string]time.Time

	// lastStreamID tracks the most recently issued ID per stream so IDs
	// stay monotonic even when the clock stalls within a millisecond.
	lastStreamID map[string]streamID

	subMu sync.RWMutex
	subs  map[string]map[*memorySubscription]struct{}

	done     chan struct{}
	closeOne sync.Once
}

type streamID struct {
	ms  int64
	seq int64
}

// NewMemory returns an empty in-process store. Close releases the TTL
// janitor and all subscriptions.
func NewMemory() *Memory {
	m := &Memory{
		hashes:       make(map[string]map[string]string),
		zsets:        make(map[string]map[string]float64),
		sets:         make(map[string]map[string]struct{}),
		strings:      make(map[string]string),
		streams:      make(map[string][]StreamEntry),
		expiry:       make(map[string]time.Time),
		lastStreamID: make(map[string]streamID),
		subs:         make(map[string]map[*memorySubscription]struct{}),
		done:         make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, deadline := range m.expiry {
				if now.After(deadline) {
					m.dropKeyLocked(key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// dropKeyLocked removes key from every keyspace. Caller holds mu.
func (m *Memory) dropKeyLocked(key string) {
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.strings, key)
	delete(m.streams, key)
	delete(m.expiry, key)
	delete(m.lastStreamID, key)
}

// expireLocked drops key if its deadline has passed. Caller holds mu for
// writing. Returns true when the key was dropped.
func (m *Memory) expireLocked(key string) bool {
	deadline, ok := m.expiry[key]
	if ok && time.Now().After(deadline) {
		m.dropKeyLocked(key)
		return true
	}
	return false
}

// --- hashes ---

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for field, value := range fields {
		h[field] = fmt.Sprint(value)
	}
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	h, ok := m.hashes[key]
	if !ok {
		return "", errors.ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", errors.ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) HLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.hashes[key])), nil
}

// --- sorted sets ---

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	z, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return true, nil
}

// sortedMembersLocked returns members ordered ascending by score, ties
// broken by member lexicographically, matching Redis ZRANGE order.
func (m *Memory) sortedMembersLocked(key string) []string {
	z := m.zsets[key]
	members := make([]string, 0, len(z))
	for member := range z {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

// clampRange resolves a Redis-style inclusive [start, stop] window with
// negative offsets counting from the end.
func clampRange(start, stop, length int64) (int64, int64, bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *Memory) ZRangeAsc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	members := m.sortedMembersLocked(key)
	start, stop, ok := clampRange(start, stop, int64(len(members)))
	if !ok {
		return nil, nil
	}
	return append([]string(nil), members[start:stop+1]...), nil
}

func (m *Memory) ZRangeDesc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	asc := m.sortedMembersLocked(key)
	desc := make([]string, len(asc))
	for i, member := range asc {
		desc[len(asc)-1-i] = member
	}
	start, stop, ok := clampRange(start, stop, int64(len(desc)))
	if !ok {
		return nil, nil
	}
	return desc[start : stop+1], nil
}

func (m *Memory) ZRevRank(ctx context.Context, key, member string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	z, ok := m.zsets[key]
	if !ok {
		return 0, errors.ErrNotFound
	}
	if _, ok := z[member]; !ok {
		return 0, errors.ErrNotFound
	}
	members := m.sortedMembersLocked(key)
	for i, candidate := range members {
		if candidate == member {
			return int64(len(members) - 1 - i), nil
		}
	}
	return 0, errors.ErrNotFound
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	z, ok := m.zsets[key]
	if !ok {
		return 0, errors.ErrNotFound
	}
	score, ok := z[member]
	if !ok {
		return 0, errors.ErrNotFound
	}
	return score, nil
}

// --- sets ---

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.sets[key])), nil
}

// --- strings ---

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	v, ok := m.strings[key]
	if !ok {
		return "", errors.ErrNotFound
	}
	return v, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expireLocked(key) {
		return false, nil
	}
	return m.hasKeyLocked(key), nil
}

func (m *Memory) hasKeyLocked(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.streams[key]; ok {
		return true
	}
	return false
}

// --- streams ---

func (m *Memory) XAdd(ctx context.Context, key string, values map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	id := m.nextStreamIDLocked(key)
	entry := StreamEntry{
		ID:     fmt.Sprintf("%d-%d", id.ms, id.seq),
		Values: make(map[string]string, len(values)),
	}
	for field, value := range values {
		entry.Values[field] = fmt.Sprint(value)
	}
	m.streams[key] = append(m.streams[key], entry)
	return entry.ID, nil
}

func (m *Memory) nextStreamIDLocked(key string) streamID {
	now := time.Now().UnixMilli()
	last := m.lastStreamID[key]
	next := streamID{ms: now}
	if now <= last.ms {
		next = streamID{ms: last.ms, seq: last.seq + 1}
	}
	m.lastStreamID[key] = next
	return next
}

func parseStreamID(raw string) (streamID, error) {
	msPart, seqPart, found := strings.Cut(raw, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return streamID{}, errors.Newf("invalid stream ID %q", raw)
	}
	var seq int64
	if found {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return streamID{}, errors.Newf("invalid stream ID %q", raw)
		}
	}
	return streamID{ms: ms, seq: seq}, nil
}

func (a streamID) less(b streamID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func (m *Memory) XRange(ctx context.Context, key, start, stop string) ([]StreamEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	low := streamID{ms: 0, seq: 0}
	high := streamID{ms: 1<<63 - 1, seq: 1<<63 - 1}
	if start != "-" {
		parsed, err := parseStreamID(start)
		if err != nil {
			return nil, err
		}
		low = parsed
	}
	if stop != "+" {
		parsed, err := parseStreamID(stop)
		if err != nil {
			return nil, err
		}
		high = parsed
	}

	var out []StreamEntry
	for _, entry := range m.streams[key] {
		id, err := parseStreamID(entry.ID)
		if err != nil {
			continue
		}
		if id.less(low) || high.less(id) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Memory) XLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.streams[key])), nil
}

// --- keys ---

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.dropKeyLocked(key)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		if m.expireLocked(key) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for key := range m.hashes {
		collect(key)
	}
	for key := range m.zsets {
		collect(key)
	}
	for key := range m.sets {
		collect(key)
	}
	for key := range m.strings {
		collect(key)
	}
	for key := range m.streams {
		collect(key)
	}

	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expireLocked(key) {
		return nil
	}
	if !m.hasKeyLocked(key) {
		return nil
	}
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

// --- pub/sub ---

type memorySubscription struct {
	store    *Memory
	channels []string
	ch       chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		for _, channel := range s.channels {
			if subs, ok := s.store.subs[channel]; ok {
				delete(subs, s)
				if len(subs) == 0 {
					delete(s.store.subs, channel)
				}
			}
		}
		s.store.subMu.Unlock()
		close(s.ch)
	})
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return errors.ErrStoreUnavailable
	default:
	}

	msg := Message{Channel: channel, Payload: payload}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber is full - drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.done:
		return nil, errors.ErrStoreUnavailable
	default:
	}

	sub := &memorySubscription{
		store:    m,
		channels: append([]string(nil), channels...),
		ch:       make(chan Message, subscriberBuffer),
	}

	m.subMu.Lock()
	for _, channel := range channels {
		if _, ok := m.subs[channel]; !ok {
			m.subs[channel] = make(map[*memorySubscription]struct{})
		}
		m.subs[channel][sub] = struct{}{}
	}
	m.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-m.done:
		}
	}()

	return sub, nil
}

// --- lifecycle ---

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return errors.ErrStoreUnavailable
	default:
		return nil
	}
}

func (m *Memory) Close() error {
	m.closeOne.Do(func() {
		close(m.done)

		// Snapshot under the lock, close outside it. A subscription's own
		// Close takes subMu inside its once, so closing while holding the
		// lock would deadlock against a concurrent subscriber shutdown.
		m.subMu.Lock()
		seen := make(map[*memorySubscription]struct{})
		for _, subs := range m.subs {
			for sub := range subs {
				seen[sub] = struct{}{}
			}
		}
		m.subs = make(map[string]map[*memorySubscription]struct{})
		m.subMu.Unlock()

		for sub := range seen {
			sub.once.Do(func() { close(sub.ch) })
		}
	})
	return nil
}
