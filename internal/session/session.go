// Package session is the Session & Chat State component (C6): the last
// N chat messages, the coalesced AgentSnapshot observer view, and a
// recent-activity log of thought/action entries. Reads are non-blocking
// snapshots; writes happen only from the orchestrator's context or on
// chat ingress in the gateway, per spec.md §4.6.
package session

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Role is a chat message's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Status is the observer-facing AgentSnapshot.status enum from spec.md §3.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusThinking   Status = "THINKING"
	StatusExecuting  Status = "EXECUTING"
	StatusVerifying  Status = "VERIFYING"
	StatusCapturing  Status = "CAPTURING"
	StatusPaused     Status = "PAUSED"
	StatusDone       Status = "DONE"
	StatusAborted    Status = "ABORTED"
	StatusError      Status = "ERROR"
	StatusBlocked    Status = "blocked"
)

// AgentSnapshot is the observer view spec.md §3 defines.
type AgentSnapshot struct {
	Status        Status `json:"status"`
	Details       string `json:"details,omitempty"`
	LastThought   string `json:"last_thought"`
	CurrentAction string `json:"current_action"`
	VLMStatus     string `json:"vlm_status"`
	VoiceState    string `json:"voice_state"`
	VoiceLevel    float64 `json:"voice_level"`
	PID           int    `json:"pid,omitempty"`
}

// ActivityKind distinguishes the two entries kept in the recent-activity
// log.
type ActivityKind string

const (
	ActivityThought ActivityKind = "thought"
	ActivityAction  ActivityKind = "action"
)

// ActivityEntry is one row of the recent-activity log.
type ActivityEntry struct {
	Kind ActivityKind `json:"kind"`
	Text string       `json:"text"`
	At   time.Time    `json:"at"`
}

const (
	defaultChatLimit     = 50
	defaultActivityLimit = 30
)

// Store holds the per-process session state. It is safe for concurrent
// use; the chat history and activity log are bounded ring buffers built
// on an LRU cache used purely for its bounded-capacity eviction (keys
// are a monotonically increasing sequence number that is never
// re-accessed via Get, so eviction order degenerates to insertion
// order — oldest-in, oldest-out, exactly the ring-buffer semantics
// spec.md §4.6 calls for).
type Store struct {
	mu sync.RWMutex

	chat     *lru.Cache[int64, ChatMessage]
	chatSeq  int64

	activity    *lru.Cache[int64, ActivityEntry]
	activitySeq int64

	snapshot AgentSnapshot
}

// New constructs a Store with the spec.md §4.4/§4.6 defaults: last 10
// chat turns consumed per prompt (callers slice History themselves),
// last 30 activity entries.
func New() *Store {
	chat, _ := lru.New[int64, ChatMessage](defaultChatLimit)
	activity, _ := lru.New[int64, ActivityEntry](defaultActivityLimit)
	return &Store{
		chat:     chat,
		activity: activity,
		snapshot: AgentSnapshot{Status: StatusIdle, VLMStatus: "OFF"},
	}
}

// AppendChat records a chat message.
func (s *Store) AppendChat(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.Add(s.chatSeq, ChatMessage{Role: role, Text: text, At: time.Now()})
	s.chatSeq++
}

// ChatHistory returns the stored chat messages in chronological order.
func (s *Store) ChatHistory() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.chat.Keys()
	out := make([]ChatMessage, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.chat.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// LastChatTurns returns at most n most-recent chat messages, matching
// the orchestrator's "last K user/assistant turns" prompt input.
func (s *Store) LastChatTurns(n int) []ChatMessage {
	all := s.ChatHistory()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// ClearChat empties the chat history (the orchestrator's `clear_chat`
// input).
func (s *Store) ClearChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.Purge()
}

// RecordThought appends a thought to the recent-activity log and updates
// the coalesced snapshot's last_thought field.
func (s *Store) RecordThought(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity.Add(s.activitySeq, ActivityEntry{Kind: ActivityThought, Text: text, At: time.Now()})
	s.activitySeq++
	s.snapshot.LastThought = text
}

// RecordAction appends an action description to the recent-activity log
// and updates the coalesced snapshot's current_action field.
func (s *Store) RecordAction(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity.Add(s.activitySeq, ActivityEntry{Kind: ActivityAction, Text: text, At: time.Now()})
	s.activitySeq++
	s.snapshot.CurrentAction = text
}

// RecentActivity returns the last-30 thought/action entries in
// chronological order.
func (s *Store) RecentActivity() []ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.activity.Keys()
	out := make([]ActivityEntry, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.activity.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// UpdateStatus sets the coalesced snapshot's status/details fields.
func (s *Store) UpdateStatus(status Status, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Status = status
	s.snapshot.Details = details
}

// UpdateVLMStatus sets the coalesced snapshot's vlm_status/pid fields.
func (s *Store) UpdateVLMStatus(status string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.VLMStatus = status
	s.snapshot.PID = pid
}

// UpdateVoice sets the coalesced snapshot's voice_state/voice_level
// fields.
func (s *Store) UpdateVoice(state string, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.VoiceState = state
	s.snapshot.VoiceLevel = level
}

// Snapshot returns a copy of the coalesced AgentSnapshot.
func (s *Store) Snapshot() AgentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}
