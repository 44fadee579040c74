package messaging

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lancerly/chat-sync/internal/models"
)

// maxAwaitingEcho bounds how many locally sent messages are remembered
// for echo matching. Collaborators that never echo to the sender would
// otherwise grow the list for the life of a conversation.
const maxAwaitingEcho = 256

// claimWindow is how far a stored row's timestamp may precede a local
// send and still be taken as that send's stored copy.
const claimWindow = time.Minute

// EchoMatch classifies an inbound message against the local log.
type EchoMatch int

const (
	// EchoNone means the message is new.
	EchoNone EchoMatch = iota
	// EchoDuplicate means the message is already in the log.
	EchoDuplicate
	// EchoConfirms means the message is the echo of a pending local
	// send and should settle it.
	EchoConfirms
	// EchoRedelivered means a message that did not originate here is
	// already in the log under the same durable id.
	EchoRedelivered
)

// Log is the ordered message sequence of one conversation. It is not
// safe for concurrent use; the controller loop owns it.
type Log struct {
	conversationID models.ID
	messages       []models.Message

	// awaitingEcho holds client ids of local sends, oldest first, until
	// an echo for each has been seen.
	awaitingEcho []string
}

// NewLog returns an empty log bound to no conversation.
func NewLog() *Log {
	return &Log{}
}

// ConversationID returns the conversation the log belongs to.
func (l *Log) ConversationID() models.ID { return l.conversationID }

// Reset empties the log and binds it to conversationID.
func (l *Log) Reset(conversationID models.ID) {
	l.conversationID = conversationID
	l.messages = nil
	l.awaitingEcho = nil
}

// Replace swaps the log contents for an authoritative history snapshot.
// Local sends of the same conversation that the snapshot does not
// already contain are kept: pending ones after it, confirmed ones by
// sequence number. A snapshot fetched before a send was persisted would
// otherwise drop it.
//
// History rows need not carry client ids. A snapshot row with the durable
// id of a local send, or else an unclaimed row from the same sender with
// the same normalized content, is taken as that send's stored copy and
// inherits its client id.
func (l *Log) Replace(conversationID models.ID, snapshot []models.Message) {
	snapshot = slices.Clone(snapshot)

	var carried []models.Message

	if conversationID == l.conversationID {
		for _, m := range l.messages {
			if m.ClientID == "" || containsClientID(snapshot, m.ClientID) {
				continue
			}

			if m.ID != "" {
				if j := slices.IndexFunc(snapshot, func(row models.Message) bool { return row.ID == m.ID }); j >= 0 {
					if snapshot[j].ClientID == "" {
						snapshot[j].ClientID = m.ClientID
					}

					continue
				}
			}

			if claimStored(snapshot, m) {
				continue
			}

			carried = append(carried, m)
		}
	}

	awaiting := l.awaitingEcho
	if conversationID != l.conversationID {
		awaiting = nil
	}

	l.conversationID = conversationID
	l.messages = snapshot

	for _, m := range carried {
		l.Insert(m)
	}

	l.awaitingEcho = slices.DeleteFunc(awaiting, func(cid string) bool {
		return l.indexOfClientID(cid) < 0
	})
}

// Insert places msg by sequence number: before the first entry with a
// larger Seq. Messages without a Seq are appended in arrival order.
func (l *Log) Insert(msg models.Message) {
	if msg.Seq > 0 {
		for i, m := range l.messages {
			if m.Seq > msg.Seq {
				l.messages = slices.Insert(l.messages, i, msg)
				return
			}
		}
	}

	l.messages = append(l.messages, msg)
}

// AppendOptimistic appends a pending local send.
func (l *Log) AppendOptimistic(msg models.Message) {
	msg.State = models.StatePending
	l.messages = append(l.messages, msg)

	if msg.ClientID != "" {
		l.awaitingEcho = append(l.awaitingEcho, msg.ClientID)
		if len(l.awaitingEcho) > maxAwaitingEcho {
			l.awaitingEcho = l.awaitingEcho[len(l.awaitingEcho)-maxAwaitingEcho:]
		}
	}
}

// Confirm settles the entry with clientID using the stored record's
// durable id and sequence number. An entry an echo already settled is
// still given the durable id. If the stored record is already in the
// log, the local entry is dropped and the stored one takes over its
// client id. Returns false when nothing changed.
func (l *Log) Confirm(clientID string, stored models.Message) bool {
	i := l.indexOfClientID(clientID)
	if i < 0 {
		return false
	}

	current := l.messages[i]
	if !current.Pending() && (current.ID != "" || stored.ID == "") {
		return false
	}

	if stored.ID != "" {
		if j := l.indexOfID(stored.ID); j >= 0 && j != i {
			if l.messages[j].ClientID == "" {
				l.messages[j].ClientID = clientID
			}

			l.messages = slices.Delete(l.messages, i, i+1)

			return true
		}
	}

	settled := current
	settled.State = models.StateSettled

	if stored.ID != "" {
		settled.ID = stored.ID
	}

	if !stored.CreatedAt.IsZero() {
		settled.CreatedAt = stored.CreatedAt
	}

	if stored.Seq <= 0 {
		l.messages[i] = settled
		return true
	}

	settled.Seq = stored.Seq
	l.messages = slices.Delete(l.messages, i, i+1)
	l.Insert(settled)

	return true
}

// MatchEcho decides whether msg is new, already present, or the echo of
// a local send. Checked in order: same durable id, same client id, then
// a message from self whose content matches the oldest local send still
// awaiting its echo. For EchoConfirms the pending entry's client id is
// returned for use with Confirm.
func (l *Log) MatchEcho(msg models.Message, self models.ID) (EchoMatch, string) {
	if msg.ID != "" {
		if i := l.indexOfID(msg.ID); i >= 0 {
			if l.messages[i].ClientID == "" {
				return EchoRedelivered, ""
			}

			l.echoSeen(l.messages[i].ClientID)

			return EchoDuplicate, ""
		}
	}

	if msg.ClientID != "" {
		if i := l.indexOfClientID(msg.ClientID); i >= 0 {
			l.echoSeen(msg.ClientID)

			if l.messages[i].Pending() {
				return EchoConfirms, msg.ClientID
			}

			return EchoDuplicate, ""
		}
	}

	if self == "" || msg.SenderID != self {
		return EchoNone, ""
	}

	content := normalizeContent(msg.Content)

	for _, cid := range l.awaitingEcho {
		i := l.indexOfClientID(cid)
		if i < 0 || normalizeContent(l.messages[i].Content) != content {
			continue
		}

		l.echoSeen(cid)

		if l.messages[i].Pending() {
			return EchoConfirms, cid
		}

		return EchoDuplicate, ""
	}

	return EchoNone, ""
}

// Messages returns a copy of the log.
func (l *Log) Messages() []models.Message {
	return slices.Clone(l.messages)
}

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.messages) }

func (l *Log) echoSeen(clientID string) {
	if clientID == "" {
		return
	}

	l.awaitingEcho = slices.DeleteFunc(l.awaitingEcho, func(cid string) bool { return cid == clientID })
}

func (l *Log) indexOf(match func(models.Message) bool) int {
	return slices.IndexFunc(l.messages, match)
}

func (l *Log) indexOfID(id models.ID) int {
	return l.indexOf(func(m models.Message) bool { return m.ID == id })
}

func (l *Log) indexOfClientID(clientID string) int {
	if clientID == "" {
		return -1
	}

	return l.indexOf(func(m models.Message) bool { return m.ClientID == clientID })
}

// claimStored looks for the stored copy of local send m in snapshot,
// newest row first, and marks it with m's client id.
func claimStored(snapshot []models.Message, m models.Message) bool {
	content := normalizeContent(m.Content)

	for i := len(snapshot) - 1; i >= 0; i-- {
		row := &snapshot[i]

		if row.ClientID != "" || row.SenderID != m.SenderID {
			continue
		}

		if m.ID != "" && row.ID != "" {
			continue
		}

		if !row.CreatedAt.IsZero() && !m.CreatedAt.IsZero() && row.CreatedAt.Before(m.CreatedAt.Add(-claimWindow)) {
			continue
		}

		if normalizeContent(row.Content) != content {
			continue
		}

		row.ClientID = m.ClientID

		return true
	}

	return false
}

func containsClientID(msgs []models.Message, clientID string) bool {
	if clientID == "" {
		return false
	}

	return slices.ContainsFunc(msgs, func(m models.Message) bool { return m.ClientID == clientID })
}

// normalizeContent makes content comparable across collaborators that
// trim whitespace or re-encode Unicode.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
