package visibility

import (
	"strings"
	"testing"

	"tapestry/api/internal/store"
)

func TestAnonymizeAuthorIsDeterministic(t *testing.T) {
	avatar := "abc"
	author := store.DiscordAccount{ID: "author-1", Name: "Someone", Avatar: &avatar}

	first := AnonymizeAuthor(author)
	second := AnonymizeAuthor(author)

	if first.Name != second.Name {
		t.Errorf("pseudonym not stable: %q vs %q", first.Name, second.Name)
	}
	if first.ID != author.ID {
		t.Errorf("id must be preserved, got %q", first.ID)
	}
	if first.Avatar != nil {
		t.Errorf("avatar must be nil, got %v", *first.Avatar)
	}
	if first.Public {
		t.Error("anonymized author must not be public")
	}
	if !strings.HasSuffix(first.Name, " User") {
		t.Errorf("pseudonym %q missing User suffix", first.Name)
	}
}

func TestAnonymizeAuthorDistinctIDsDiverge(t *testing.T) {
	a := AnonymizeAuthor(store.DiscordAccount{ID: "author-1", Name: "A"})
	b := AnonymizeAuthor(store.DiscordAccount{ID: "author-2", Name: "B"})
	if a.Name == b.Name {
		t.Errorf("distinct ids produced the same pseudonym %q", a.Name)
	}
}

// Pins the hash and list so a refactor cannot silently rename every hidden
// author in the product.
func TestAnonymizeAuthorPinnedNames(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{id: "123456789", want: "Eager User"},
		{id: "987654321", want: "Calm User"},
	}
	for _, tt := range tests {
		if got := AnonymizeAuthor(store.DiscordAccount{ID: tt.id}).Name; got != tt.want {
			t.Errorf("pseudonym for %s = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestAnonymizeAuthorIgnoresDisplayFields(t *testing.T) {
	avatarA := "one"
	avatarB := "two"
	a := AnonymizeAuthor(store.DiscordAccount{ID: "author-1", Name: "First Name", Avatar: &avatarA})
	b := AnonymizeAuthor(store.DiscordAccount{ID: "author-1", Name: "Renamed", Avatar: &avatarB})
	if a.Name != b.Name {
		t.Errorf("pseudonym must depend only on id: %q vs %q", a.Name, b.Name)
	}
}
