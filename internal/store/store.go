// Package store holds the client's conversation and message state. A
// Store is constructed and owned by its caller; nothing here is global.
// All methods are safe for concurrent use, and mutations never require a
// listener to be attached.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/4xmen/chatline/internal/models"
)

type Store struct {
	mu                   sync.RWMutex
	conversations        []models.Conversation
	total                int
	messages             map[string][]models.Message
	selected             string
	connected            bool
	loadingConversations bool
	typing               map[string]bool
	pagination           map[string]Pagination
	phases               map[string]ConversationPhase
	sends                map[string]Send
	lastSend             *Send
	search               string
	filter               Filter
	dialogs              map[Dialog]bool
	err                  string

	listenersMu  sync.Mutex
	listeners    map[int]func()
	nextListener int
}

func New() *Store {
	return &Store{
		messages:   make(map[string][]models.Message),
		typing:     make(map[string]bool),
		pagination: make(map[string]Pagination),
		phases:     make(map[string]ConversationPhase),
		sends:      make(map[string]Send),
		dialogs:    make(map[Dialog]bool),
		filter:     FilterAll,
		listeners:  make(map[int]func()),
	}
}

// Subscribe registers fn to run after every state change. The returned
// func removes it.
func (s *Store) Subscribe(fn func()) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// mutate runs fn under the write lock and notifies listeners outside it
// when fn reports a change.
func (s *Store) mutate(fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

// Conversations

func (s *Store) SetConversations(list []models.Conversation, total int) {
	s.mutate(func() bool {
		s.conversations = make([]models.Conversation, 0, len(list))
		for _, c := range list {
			s.conversations = append(s.conversations, c.Clone())
		}
		s.total = total
		return true
	})
}

// AddConversation prepends conv. An id that is already present is
// replaced in place instead of duplicated.
func (s *Store) AddConversation(conv models.Conversation) {
	s.mutate(func() bool {
		if i := s.indexOfConversation(conv.ID); i >= 0 {
			s.conversations[i] = conv.Clone()
			return true
		}
		s.conversations = append([]models.Conversation{conv.Clone()}, s.conversations...)
		s.total++
		return true
	})
}

// UpdateConversation merges patch into the conversation with id. Unknown
// ids are ignored.
func (s *Store) UpdateConversation(id string, patch models.ConversationPatch) bool {
	return s.mutate(func() bool {
		i := s.indexOfConversation(id)
		if i < 0 {
			return false
		}
		s.conversations[i].Apply(patch)
		return true
	})
}

// RemoveConversation drops the conversation and everything keyed by it.
func (s *Store) RemoveConversation(id string) bool {
	return s.mutate(func() bool {
		i := s.indexOfConversation(id)
		if i < 0 {
			return false
		}
		s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
		if s.total > 0 {
			s.total--
		}
		delete(s.messages, id)
		delete(s.typing, id)
		delete(s.pagination, id)
		delete(s.phases, id)
		if s.selected == id {
			s.selected = ""
		}
		return true
	})
}

func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOfConversation(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.conversations[i].Clone(), true
}

func (s *Store) HasConversation(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOfConversation(id) >= 0
}

func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConversations(s.conversations)
}

func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// FilteredConversations applies the search query and the active filter.
func (s *Store) FilteredConversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(s.search))
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if s.filter == FilterUnread && c.UnreadCount == 0 {
			continue
		}
		if query != "" && !matches(c, query) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

func matches(c models.Conversation, query string) bool {
	return strings.Contains(strings.ToLower(c.Name), query) ||
		strings.Contains(strings.ToLower(c.Title), query) ||
		strings.Contains(strings.ToLower(c.LastMessage), query)
}

// UnreadTotal sums the server-reported unread counts.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

func (s *Store) indexOfConversation(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// Messages

func (s *Store) SetMessages(conversationID string, msgs []models.Message) {
	s.mutate(func() bool {
		s.messages[conversationID] = append([]models.Message(nil), msgs...)
		return true
	})
}

// AddMessage appends msg to the conversation's messages. A message whose
// id is already present replaces the existing entry. A message stamped
// earlier than the current tail is inserted after the last message that
// is not newer than it; unstamped messages always append.
func (s *Store) AddMessage(conversationID string, msg models.Message) {
	s.mutate(func() bool {
		list := s.messages[conversationID]
		if i := indexOfMessage(list, msg.ID); i >= 0 {
			list[i] = msg
			return true
		}
		s.messages[conversationID] = insertOrdered(list, msg)
		return true
	})
}

func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	return s.mutate(func() bool {
		list := s.messages[conversationID]
		i := indexOfMessage(list, messageID)
		if i < 0 {
			return false
		}
		s.messages[conversationID] = append(list[:i:i], list[i+1:]...)
		return true
	})
}

// PrependMessages places older messages before the loaded ones, keeping
// their order and skipping ids already present.
func (s *Store) PrependMessages(conversationID string, older []models.Message) {
	s.mutate(func() bool {
		existing := s.messages[conversationID]
		merged := make([]models.Message, 0, len(older)+len(existing))
		for _, m := range older {
			if indexOfMessage(existing, m.ID) >= 0 || indexOfMessage(merged, m.ID) >= 0 {
				continue
			}
			merged = append(merged, m)
		}
		s.messages[conversationID] = append(merged, existing...)
		return true
	})
}

// ReplaceMessage swaps the optimistic message tempID for its confirmed
// form in one step. If the confirmed id already arrived by push, the
// optimistic entry is simply dropped.
func (s *Store) ReplaceMessage(conversationID, tempID string, confirmed models.Message) {
	s.mutate(func() bool {
		list := s.messages[conversationID]
		tempIdx := indexOfMessage(list, tempID)
		realIdx := indexOfMessage(list, confirmed.ID)

		switch {
		case realIdx >= 0 && tempIdx >= 0:
			list[realIdx] = confirmed
			list = append(list[:tempIdx:tempIdx], list[tempIdx+1:]...)
		case realIdx >= 0:
			list[realIdx] = confirmed
		case tempIdx >= 0:
			list[tempIdx] = confirmed
		default:
			list = insertOrdered(list, confirmed)
		}
		s.messages[conversationID] = list
		return true
	})
}

func (s *Store) UpdateMessage(conversationID, messageID string, patch models.MessagePatch) bool {
	return s.mutate(func() bool {
		list := s.messages[conversationID]
		i := indexOfMessage(list, messageID)
		if i < 0 {
			return false
		}
		list[i].Apply(patch)
		return true
	})
}

// MarkMessagesRead flags the given ids as read and returns how many were
// found.
func (s *Store) MarkMessagesRead(conversationID string, ids []string) int {
	marked := 0
	s.mutate(func() bool {
		want := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
		list := s.messages[conversationID]
		for i := range list {
			if _, ok := want[list[i].ID]; ok && !list[i].Read {
				list[i].Read = true
				marked++
			}
		}
		return marked > 0
	})
	return marked
}

func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.messages[conversationID]...)
}

func (s *Store) Message(conversationID, messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	i := indexOfMessage(list, messageID)
	if i < 0 {
		return models.Message{}, false
	}
	return list[i], true
}

func indexOfMessage(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func insertOrdered(list []models.Message, msg models.Message) []models.Message {
	n := len(list)
	if msg.CreatedAt.IsZero() || n == 0 || !msg.CreatedAt.Before(list[n-1].CreatedAt) {
		return append(list, msg)
	}
	at := 0
	for j := n - 1; j >= 0; j-- {
		if !list[j].CreatedAt.After(msg.CreatedAt) {
			at = j + 1
			break
		}
	}
	list = append(list, models.Message{})
	copy(list[at+1:], list[at:])
	list[at] = msg
	return list
}

// Selection and per-conversation lifecycle

func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// BeginJoin selects id and moves it to PhaseJoining. It reports false,
// changing nothing, when id is already selected and joining or ready,
// unless force is set.
func (s *Store) BeginJoin(id string, force bool) bool {
	started := false
	s.mutate(func() bool {
		phase := s.phases[id]
		if !force && s.selected == id && (phase == PhaseJoining || phase == PhaseReady) {
			return false
		}
		s.selected = id
		s.phases[id] = PhaseJoining
		p := s.pagination[id]
		p.Loading = true
		s.pagination[id] = p
		started = true
		return true
	})
	return started
}

// CompleteJoin stores the first page and marks the conversation ready.
func (s *Store) CompleteJoin(id string, msgs []models.Message, pageSize int) {
	s.mutate(func() bool {
		s.messages[id] = append([]models.Message(nil), msgs...)
		s.phases[id] = PhaseReady
		s.pagination[id] = Pagination{Page: 1, HasMore: len(msgs) >= pageSize}
		return true
	})
}

// FailJoin returns the conversation to PhaseIdle and clears its loading flag.
func (s *Store) FailJoin(id string) {
	s.mutate(func() bool {
		s.phases[id] = PhaseIdle
		p := s.pagination[id]
		p.Loading = false
		s.pagination[id] = p
		return true
	})
}

func (s *Store) Phase(id string) ConversationPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phases[id]
}

// ResetPhases drops every conversation back to PhaseIdle. Used when the
// socket reconnects and server-side room membership is gone.
func (s *Store) ResetPhases() {
	s.mutate(func() bool {
		for id := range s.phases {
			s.phases[id] = PhaseIdle
		}
		return true
	})
}

// Pagination

func (s *Store) Pagination(id string) Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pagination[id]
}

// BeginLoadMore claims the next page for id. It reports false while a
// load is running, when no more pages exist, or before the first page.
func (s *Store) BeginLoadMore(id string) (int, bool) {
	next := 0
	s.mutate(func() bool {
		p := s.pagination[id]
		if p.Loading || !p.HasMore || s.phases[id] != PhaseReady {
			return false
		}
		p.Loading = true
		s.pagination[id] = p
		next = p.Page + 1
		return true
	})
	return next, next > 0
}

// EndLoadMore releases the loading flag. On success the cursor advances
// to page and hasMore is recorded.
func (s *Store) EndLoadMore(id string, page int, hasMore, ok bool) {
	s.mutate(func() bool {
		p := s.pagination[id]
		p.Loading = false
		if ok {
			p.Page = page
			p.HasMore = hasMore
		}
		s.pagination[id] = p
		return true
	})
}

// Sends

// BeginSend records an in-flight send. Only one send may be in flight at
// a time; a second call reports false.
func (s *Store) BeginSend(send Send) bool {
	started := false
	s.mutate(func() bool {
		if len(s.sends) > 0 {
			return false
		}
		send.Phase = SendSending
		s.sends[send.TempID] = send
		started = true
		return true
	})
	return started
}

// FinishSend closes the in-flight send tempID with outcome, which should
// be SendConfirmed or SendFailed. The closed send is kept as LastSend.
func (s *Store) FinishSend(tempID string, outcome SendPhase) {
	s.mutate(func() bool {
		send, ok := s.sends[tempID]
		if !ok {
			return false
		}
		delete(s.sends, tempID)
		send.Phase = outcome
		s.lastSend = &send
		return true
	})
}

// LastSend returns the most recently finished send.
func (s *Store) LastSend() (Send, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSend == nil {
		return Send{}, false
	}
	return *s.lastSend, true
}

func (s *Store) Sending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sends) > 0
}

func sortedSends(m map[string]Send) []Send {
	out := make([]Send, 0, len(m))
	for _, send := range m {
		out = append(out, send)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Flags

func (s *Store) SetConnected(connected bool) {
	s.mutate(func() bool {
		if s.connected == connected {
			return false
		}
		s.connected = connected
		return true
	})
}

func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) SetLoadingConversations(loading bool) {
	s.mutate(func() bool {
		s.loadingConversations = loading
		return true
	})
}

func (s *Store) SetTyping(conversationID string, typing bool) {
	s.mutate(func() bool {
		if s.typing[conversationID] == typing {
			return false
		}
		if typing {
			s.typing[conversationID] = true
		} else {
			delete(s.typing, conversationID)
		}
		return true
	})
}

func (s *Store) Typing(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[conversationID]
}

func (s *Store) SetSearch(query string) {
	s.mutate(func() bool {
		s.search = query
		return true
	})
}

func (s *Store) SetFilter(f Filter) {
	if f != FilterUnread {
		f = FilterAll
	}
	s.mutate(func() bool {
		s.filter = f
		return true
	})
}

func (s *Store) SetDialog(d Dialog, open bool) {
	s.mutate(func() bool {
		s.dialogs[d] = open
		return true
	})
}

func (s *Store) DialogOpen(d Dialog) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogs[d]
}

func (s *Store) SetError(msg string) {
	s.mutate(func() bool {
		s.err = msg
		return true
	})
}

func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Reset clears all state but keeps listeners.
func (s *Store) Reset() {
	s.mutate(func() bool {
		s.conversations = nil
		s.total = 0
		s.messages = make(map[string][]models.Message)
		s.selected = ""
		s.connected = false
		s.loadingConversations = false
		s.typing = make(map[string]bool)
		s.pagination = make(map[string]Pagination)
		s.phases = make(map[string]ConversationPhase)
		s.sends = make(map[string]Send)
		s.lastSend = nil
		s.search = ""
		s.filter = FilterAll
		s.dialogs = make(map[Dialog]bool)
		s.err = ""
		return true
	})
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Conversations:        cloneConversations(s.conversations),
		Total:                s.total,
		Messages:             make(map[string][]models.Message, len(s.messages)),
		SelectedID:           s.selected,
		Connected:            s.connected,
		LoadingConversations: s.loadingConversations,
		Sending:              len(s.sends) > 0,
		Sends:                sortedSends(s.sends),
		LastSend:             s.lastSend,
		Typing:               make(map[string]bool, len(s.typing)),
		Pagination:           make(map[string]Pagination, len(s.pagination)),
		Phases:               make(map[string]ConversationPhase, len(s.phases)),
		Search:               s.search,
		Filter:               s.filter,
		Dialogs:              make(map[Dialog]bool, len(s.dialogs)),
		Err:                  s.err,
	}
	if s.lastSend != nil {
		last := *s.lastSend
		snap.LastSend = &last
	}
	for id, list := range s.messages {
		snap.Messages[id] = append([]models.Message(nil), list...)
	}
	for id, v := range s.typing {
		snap.Typing[id] = v
	}
	for id, v := range s.pagination {
		snap.Pagination[id] = v
	}
	for id, v := range s.phases {
		snap.Phases[id] = v
	}
	for d, v := range s.dialogs {
		snap.Dialogs[d] = v
	}
	return snap
}

func cloneConversations(list []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		out = append(out, c.Clone())
	}
	return out
}
