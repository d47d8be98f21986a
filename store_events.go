package chatsync

// ============================================================================
// Inbound event handling
// ============================================================================

// HandleFrame decodes a raw socket frame and applies it. Malformed frames are
// logged and dropped.
func (s *ConversationStore) HandleFrame(data []byte) {
	evt, err := ParseEvent(data)
	if err != nil {
		s.cfg.Metrics.frameDropped()
		s.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	s.HandleEvent(evt)
}

// HandleEvent applies one server event. Every event is idempotent: applying
// it twice leaves the same state as applying it once. Events that arrive
// before the first successful fetch are ignored, except typing updates.
func (s *ConversationStore) HandleEvent(evt Event) {
	var changed bool
	switch evt.Type {
	case EventNewMessage:
		changed = s.onNewMessage(evt.Message)
	case EventUserTyping:
		changed = s.onUserTyping(evt.UserID, evt.IsTyping)
	case EventMessagesRead:
		changed = s.onMessagesRead(evt.MessageIDs)
	case EventMessageSent:
		changed = s.onMessageSent(ID(evt.TempID), evt.MessageID)
	case EventMessageBlocked:
		s.onMessageBlocked(evt)
	default:
		s.log.Debug().Str("type", string(evt.Type)).Msg("ignoring unknown event")
	}
	if changed {
		s.publish()
	}
}

func (s *ConversationStore) onNewMessage(m *Message) bool {
	if m == nil || m.ID == "" {
		s.log.Warn().Msg("new_message without message id")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.appendLocked(m.clone()) {
		return false
	}
	if m.Sender != s.cfg.UserID {
		s.conv.UnreadCount++
	}
	return true
}

func (s *ConversationStore) onUserTyping(user ID, isTyping bool) bool {
	if user == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	prev, had := s.typing[user]
	if had {
		prev.timer.Stop()
	}
	if !isTyping {
		if !had {
			return false
		}
		delete(s.typing, user)
		return true
	}

	s.typingSeq++
	seq := s.typingSeq
	s.typing[user] = typingEntry{
		seq:   seq,
		timer: s.cfg.Clock.AfterFunc(s.cfg.TypingTimeout, func() { s.expireTyping(user, seq) }),
	}
	return !had
}

func (s *ConversationStore) expireTyping(user ID, seq uint64) {
	s.mu.Lock()
	e, ok := s.typing[user]
	if s.closed || !ok || e.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typing, user)
	s.mu.Unlock()
	s.publish()
}

func (s *ConversationStore) onMessagesRead(ids MessageIDs) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conv == nil {
		return false
	}
	now := s.cfg.Clock.Now()
	changed := false
	for i := range s.conv.Messages {
		m := &s.conv.Messages[i]
		if !ids.Contains(m.ID) {
			continue
		}
		if !m.Read || m.ReadAt == nil {
			changed = true
		}
		m.Read = true
		if m.ReadAt == nil {
			t := now
			m.ReadAt = &t
		}
	}
	return changed
}

// onMessageSent swaps a placeholder id for the server id in place. If the
// server id is already present, for example because new_message won the
// race, the placeholder is dropped instead so ids stay unique.
func (s *ConversationStore) onMessageSent(tempID, finalID ID) bool {
	if tempID == "" || finalID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conv == nil {
		return false
	}
	idx, ok := s.index[tempID]
	if !ok {
		return false
	}

	if _, dup := s.index[finalID]; dup {
		s.conv.Messages = append(s.conv.Messages[:idx], s.conv.Messages[idx+1:]...)
		s.reindexLocked()
	} else {
		m := &s.conv.Messages[idx]
		m.ID = finalID
		m.Pending = false
		delete(s.index, tempID)
		s.index[finalID] = idx
	}
	if lm := s.conv.LatestMessage; lm != nil && lm.ID == tempID {
		lm.ID = finalID
		lm.Pending = false
	}
	return true
}

func (s *ConversationStore) onMessageBlocked(evt Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	msg := evt.Reason
	if msg == "" {
		msg = "Your message was blocked because it violates our content policy"
	}
	s.log.Info().Str("reason", evt.Reason).Int("violations", len(evt.Violations)).Msg("message blocked")
	s.notify(LevelWarning, msg)
}
