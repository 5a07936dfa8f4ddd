// Package orchestrator decides which non-human participants answer a user
// message and in what order. All predicates are pure functions of the inputs
// so the same message history always yields the same responder list.
package orchestrator

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/charhubai/charhub/internal/models"
)

// RelevanceFunc is an optional semantic hook consulted when two humans are
// talking to each other. It must be deterministic and side-effect free; the
// default never fires.
type RelevanceFunc func(p *models.Participant, newMsg *models.Message, recent []models.Message) bool

type Orchestrator struct {
	// Window bounds how far back continuation looks. Messages beyond it do
	// not keep a character in the conversation.
	Window    int
	Relevance RelevanceFunc
}

const defaultWindow = 10

func New() *Orchestrator {
	return &Orchestrator{
		Window:    defaultWindow,
		Relevance: func(*models.Participant, *models.Message, []models.Message) bool { return false },
	}
}

// Responders returns the ordered participant ids that should reply to newMsg.
//
// Single-user conversations answer with every AI seat. Multi-user
// conversations do the same until two distinct humans exchange consecutive
// messages; from then on only seats that are explicitly named, were the most
// recently mentioned character in the window, or pass the relevance hook get
// a turn. recent is ascending by creation time and excludes newMsg. A non-nil
// target (the client's targetParticipantId) short-circuits arbitration.
func (o *Orchestrator) Responders(conv *models.Conversation, participants []models.Participant, newMsg *models.Message, recent []models.Message, target *uuid.UUID) []uuid.UUID {
	ai := declaredOrder(participants)
	if len(ai) == 0 {
		return nil
	}

	if target != nil {
		for i := range ai {
			if ai[i].ID == *target {
				return []uuid.UUID{*target}
			}
		}
	}

	all := func() []uuid.UUID {
		out := make([]uuid.UUID, 0, len(ai))
		for i := range ai {
			out = append(out, ai[i].ID)
		}
		return out
	}

	if !conv.IsMultiUser {
		return all()
	}

	window := o.Window
	if window <= 0 {
		window = defaultWindow
	}
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	if !userToUserExchange(newMsg, recent) {
		return all()
	}

	// Two humans are mid-exchange: AI seats stay quiet unless invited.
	continuing := mostRecentlyMentioned(ai, recent)

	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for i := range ai {
		p := &ai[i]
		switch {
		case mentions(newMsg.Content, p.Name) || directlyAddressed(newMsg.Content, p.Name):
			add(p.ID)
		case continuing != nil && *continuing == p.ID:
			add(p.ID)
		case o.Relevance != nil && o.Relevance(p, newMsg, recent):
			add(p.ID)
		}
	}
	return out
}

// declaredOrder filters to AI seats sorted by creation time, the order
// responses are streamed in.
func declaredOrder(participants []models.Participant) []models.Participant {
	ai := make([]models.Participant, 0, len(participants))
	for _, p := range participants {
		if !p.IsHuman() && p.Name != "" {
			ai = append(ai, p)
		}
	}
	sort.SliceStable(ai, func(i, j int) bool {
		if ai[i].CreatedAt.Equal(ai[j].CreatedAt) {
			return ai[i].ID.String() < ai[j].ID.String()
		}
		return ai[i].CreatedAt.Before(ai[j].CreatedAt)
	})
	return ai
}

// userToUserExchange reports whether two distinct humans hold the floor:
// either the last persisted message and newMsg, or the last two persisted
// messages, come from different users. The second form keeps suppression
// active while the same human follows up on an exchange.
func userToUserExchange(newMsg *models.Message, recent []models.Message) bool {
	if len(recent) == 0 {
		return false
	}
	last := recent[len(recent)-1]
	if newMsg.SenderKind == models.SenderUser &&
		last.SenderKind == models.SenderUser && last.SenderRef != newMsg.SenderRef {
		return true
	}
	if len(recent) < 2 {
		return false
	}
	prev := recent[len(recent)-2]
	return last.SenderKind == models.SenderUser &&
		prev.SenderKind == models.SenderUser && prev.SenderRef != last.SenderRef
}

// mostRecentlyMentioned finds the AI participant whose name was @-tagged
// latest in the window.
func mostRecentlyMentioned(ai []models.Participant, recent []models.Message) *uuid.UUID {
	for i := len(recent) - 1; i >= 0; i-- {
		for j := range ai {
			if mentions(recent[i].Content, ai[j].Name) {
				return &ai[j].ID
			}
		}
	}
	return nil
}

// mentions matches an explicit @Name token, case-insensitive on a word
// boundary.
func mentions(content, name string) bool {
	if name == "" {
		return false
	}
	re := regexp.MustCompile(`(?i)(^|[^\w@])@` + regexp.QuoteMeta(name) + `\b`)
	return re.MatchString(content)
}

// directlyAddressed matches the name opening the utterance, flanked by
// punctuation, or following a greeting.
func directlyAddressed(content, name string) bool {
	if name == "" {
		return false
	}
	quoted := regexp.QuoteMeta(name)
	patterns := []string{
		fmt.Sprintf(`(?i)^\s*%s\b`, quoted),
		fmt.Sprintf(`(?i)[,?!]\s*%s\b`, quoted),
		fmt.Sprintf(`(?i)\b%s\s*[,?!]`, quoted),
		fmt.Sprintf(`(?i)\b(hey|hi)[\s,]+%s\b`, quoted),
	}
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(content) {
			return true
		}
	}
	return false
}

// Mentioned exposes the mention predicate for callers that need to know
// whether a display name was tagged.
func Mentioned(content, name string) bool {
	return mentions(content, name)
}
