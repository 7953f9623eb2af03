// Package visibility decides, for every message and author leaving the API,
// whether the message may be shown publicly and whether the author identity
// must be anonymized. The same rules run on every read path so a
// non-consenting author can never leak through one of them.
package visibility

import "tapestry/api/internal/store"

// ServerContext is the per-server half of a visibility decision, derived
// from optional preference fields. Missing inputs default to false.
type ServerContext struct {
	ConsiderAllMessagesPublic bool
	AnonymizeMessages         bool
}

// UserContext is the per-(user, server) half. A nil *UserContext means "no
// consent signal recorded", which is not the same state as an explicit
// false, even though both gate the same way today.
type UserContext struct {
	CanPubliclyDisplayMessages bool
}

// Context pairs the two halves for one (server, author) combination.
type Context struct {
	Server ServerContext
	User   *UserContext
}

// ComputeServerContext builds a ServerContext from optional flags.
func ComputeServerContext(considerAllPublic, anonymize *bool) ServerContext {
	ctx := ServerContext{}
	if considerAllPublic != nil {
		ctx.ConsiderAllMessagesPublic = *considerAllPublic
	}
	if anonymize != nil {
		ctx.AnonymizeMessages = *anonymize
	}
	return ctx
}

// ServerContextFromPreferences accepts the preference row as stored, where
// both the row and each field may be absent.
func ServerContextFromPreferences(prefs *store.ServerPreferences) ServerContext {
	if prefs == nil {
		return ServerContext{}
	}
	return ComputeServerContext(prefs.ConsiderAllMessagesPublic, prefs.AnonymizeMessages)
}

// ComputeUserContext wraps an optional consent flag. It returns nil exactly
// when the flag is absent; an explicit false stays an explicit false.
func ComputeUserContext(canDisplay *bool) *UserContext {
	if canDisplay == nil {
		return nil
	}
	return &UserContext{CanPubliclyDisplayMessages: *canDisplay}
}

// UserContextFromSettings accepts the settings row as stored; a missing row
// and a row with a NULL consent column both mean "no signal".
func UserContextFromSettings(settings *store.UserServerSettings) *UserContext {
	if settings == nil {
		return nil
	}
	return ComputeUserContext(settings.CanPubliclyDisplayMessages)
}

// IsMessagePublic applies the decision rule in order: a server that declared
// all messages public wins outright; otherwise the author must have
// explicitly consented. No signal and declined both gate to private.
func IsMessagePublic(server ServerContext, user *UserContext) bool {
	if server.ConsiderAllMessagesPublic {
		return true
	}
	return user != nil && user.CanPubliclyDisplayMessages
}

// ShouldAnonymizeAuthor decides whether the author's real identity may ride
// along. A non-public message always anonymizes, independent of the server
// flag; a public one anonymizes only when the server asked for it.
func ShouldAnonymizeAuthor(server ServerContext, user *UserContext, isPublic bool) bool {
	if !isPublic {
		return true
	}
	return server.AnonymizeMessages
}
