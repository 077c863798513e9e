package domain

import "slices"

// Board groups tasks and the users allowed to see them. CreatedBy is the
// owner and always stays a member.
type Board struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members"`
}

func (b Board) Clone() Board {
	out := b
	if b.Members != nil {
		out.Members = slices.Clone(b.Members)
	}
	return out
}

func (b Board) IsOwner(userID string) bool {
	return userID != "" && b.CreatedBy == userID
}

func (b Board) HasMember(userID string) bool {
	return slices.Contains(b.Members, userID)
}

// User is read-only on the client.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Photo    string `json:"photo,omitempty"`
}
