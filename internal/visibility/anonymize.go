package visibility

import (
	"hash/fnv"

	"tapestry/api/internal/store"
)

// pseudonyms is fixed: changing it (or its order) would rename every hidden
// author across the product.
var pseudonyms = []string{
	"Amber", "Azure", "Brave", "Bright", "Calm", "Clever",
	"Crimson", "Curious", "Eager", "Emerald", "Gentle", "Golden",
	"Hidden", "Indigo", "Keen", "Lively", "Mellow", "Nimble",
	"Patient", "Quiet", "Scarlet", "Silent", "Silver", "Steady",
	"Swift", "Violet", "Wise", "Witty",
}

// AnonymizeAuthor projects an author to its pseudonymous form. The name is a
// pure function of the author id, so the same hidden author reads the same
// everywhere; the id itself is an opaque internal reference and stays.
func AnonymizeAuthor(author store.DiscordAccount) SanitizedAuthor {
	return SanitizedAuthor{
		ID:     author.ID,
		Name:   pseudonymFor(author.ID),
		Avatar: nil,
		Public: false,
	}
}

func pseudonymFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return pseudonyms[h.Sum32()%uint32(len(pseudonyms))] + " User"
}
