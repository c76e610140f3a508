package store

import "time"

// Gender is the inferred category of a user. The zero value means unknown.
type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "Homme"
	GenderFemale  Gender = "Femme"
)

// UserProfile is the single live record kept per handle. Age 0 means the
// age is unknown; an empty City likewise.
type UserProfile struct {
	Handle            string
	Age               int
	Gender            Gender
	City              string
	LastSeen          time.Time
	ConversationCount int
	Targeted          bool
	Metadata          map[string]any
	CreatedAt         time.Time
}

// NewProfile returns the default record for a never-seen handle.
func NewProfile(handle string) UserProfile {
	return UserProfile{Handle: handle}
}

// Summary returns the listing view of the profile.
func (p UserProfile) Summary() ProfileSummary {
	return ProfileSummary{
		Handle:            p.Handle,
		Age:               p.Age,
		Gender:            p.Gender,
		City:              p.City,
		Targeted:          p.Targeted,
		LastSeen:          p.LastSeen,
		ConversationCount: p.ConversationCount,
	}
}

// ProfileSummary is the row shown by listings and filters.
type ProfileSummary struct {
	Handle            string    `json:"handle"`
	Age               int       `json:"age,omitempty"`
	Gender            Gender    `json:"gender,omitempty"`
	City              string    `json:"city,omitempty"`
	Targeted          bool      `json:"targeted"`
	LastSeen          time.Time `json:"lastSeen"`
	ConversationCount int       `json:"conversationCount"`
}

// InteractionRecord is one append-only exchange with a handle. Inbound is
// empty for turns the bot initiated.
type InteractionRecord struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Inbound   string    `json:"inbound"`
	Outbound  string    `json:"outbound"`
	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag,omitempty"`
	Score     *float64  `json:"score,omitempty"`
}

// Stats is the aggregate view of the store.
type Stats struct {
	Users            int     `json:"users"`
	Targeted         int     `json:"targeted"`
	Interactions     int     `json:"interactions"`
	Conversed        int     `json:"conversed"`
	TargetingRate    float64 `json:"targetingRate"`
	ConversationRate float64 `json:"conversationRate"`
}
