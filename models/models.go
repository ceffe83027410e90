package models

// User is a registered account. Password holds a bcrypt hash and Token is
// the current bearer credential; neither is ever serialized to clients.
type User struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Password string    `json:"-"`
	Token    string    `json:"-"`
	Sessions []Session `json:"sessions"`
}

// Session is a snapshot of client environment metadata captured at
// registration and at every login. The list is append-only.
type Session struct {
	Version      string `json:"version"`
	System       string `json:"system"`
	Architecture string `json:"architecture"`
	Release      string `json:"release"`
	Time         int64  `json:"time"`
}

// Chat is a conversation. Group chats have negative ids, a title/description
// and an explicit admin set; direct chats have positive ids and neither.
type Chat struct {
	ChatID      int64   `json:"chat_id"`
	IsGroup     bool    `json:"is_group"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Members     []int64 `json:"members"`
	Admins      []int64 `json:"admins"`
}

// Message is immutable once stored.
type Message struct {
	ID     int64  `json:"id"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
	Time   int64  `json:"time"`
}

// PublicUser is the listing shape for /users: no password, no token.
type PublicUser struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Sessions []Session `json:"sessions"`
}

// Public strips credentials for listings.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Sessions: u.Sessions}
}
