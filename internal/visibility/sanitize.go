package visibility

import "tapestry/api/internal/store"

// SanitizedAuthor is the only author shape allowed past this package. An
// anonymized author always carries a nil Avatar and Public=false; the ID is
// never rewritten.
type SanitizedAuthor struct {
	ID     string
	Name   string
	Avatar *string
	Public bool
}

// SanitizedMessage is the stored message plus the computed public flag. The
// flag depends only on the visibility context, never on message content.
type SanitizedMessage struct {
	store.Message
	Public bool
}

// MessageWithAuthor is the unit read handlers assemble payloads from. Author
// is nil when the account record is missing or deleted, not as a visibility
// outcome.
type MessageWithAuthor struct {
	Message SanitizedMessage
	Author  *SanitizedAuthor
}

// ApplyToAuthor sanitizes one author under an already-computed public flag.
// A nil author passes through as nil; visibility rules alone never erase an
// author entirely.
func ApplyToAuthor(author *store.DiscordAccount, server ServerContext, user *UserContext, isPublic bool) *SanitizedAuthor {
	if author == nil {
		return nil
	}
	if ShouldAnonymizeAuthor(server, user, isPublic) {
		sanitized := AnonymizeAuthor(*author)
		return &sanitized
	}
	return &SanitizedAuthor{
		ID:     author.ID,
		Name:   author.Name,
		Avatar: author.Avatar,
		Public: isPublic,
	}
}

// ApplyToMessages sanitizes a batch that already shares one server context.
// The output has the same length and order as the input: filtering is the
// caller's concern. A message whose author is missing from authors gets a
// nil Author; an author missing from users counts as non-consenting.
func ApplyToMessages(messages []store.Message, server ServerContext, authors map[string]store.DiscordAccount, users map[string]*UserContext) []MessageWithAuthor {
	out := make([]MessageWithAuthor, 0, len(messages))
	for _, message := range messages {
		user := users[message.AuthorID]
		isPublic := IsMessagePublic(server, user)

		var author *store.DiscordAccount
		if account, ok := authors[message.AuthorID]; ok {
			author = &account
		}

		out = append(out, MessageWithAuthor{
			Message: SanitizedMessage{Message: message, Public: isPublic},
			Author:  ApplyToAuthor(author, server, user, isPublic),
		})
	}
	return out
}
