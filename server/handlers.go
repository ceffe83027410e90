package server

import (
	"crypto/subtle"
	"encoding/json"
	"runtime"
	"strconv"
	"time"

	"renale/db"
	"renale/models"
	"renale/protocol"
)

const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Renale Chat Server</title>
</head>
<body>
    <h1>Hello, User!</h1>
    <a href="/status">Status</a>
    <a href="/messages">Messages</a>
    <a href="/chats">Chats</a>
</body>
</html>
`

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (s *Server) handleIndex(req *protocol.Request, query map[string]string) *response {
	return &response{code: 200, contentType: "text/html", body: landingPage}
}

func (s *Server) handleStatus(req *protocol.Request, query map[string]string) *response {
	userCount, err := s.db.CountUsers()
	if err != nil {
		return internalError(err)
	}
	messageCount, err := s.db.CountMessages()
	if err != nil {
		return internalError(err)
	}
	chatCount, err := s.db.CountChats()
	if err != nil {
		return internalError(err)
	}

	return ok(map[string]int64{
		"user_count":    userCount,
		"message_count": messageCount,
		"chat_count":    chatCount,
	})
}

// parsePage extracts limit/offset query parameters. Absent values default;
// unparsable values are a validation failure, not a silent fallback.
func parsePage(query map[string]string) (limit, offset int, valid bool) {
	limit = defaultLimit
	offset = 0

	if v, present := query["limit"]; present {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if v, present := query["offset"]; present {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}

	return limit, offset, true
}

func (s *Server) handleMessages(req *protocol.Request, query map[string]string) *response {
	limit, offset, valid := parsePage(query)
	if !valid {
		return fail("Invalid limit/offset parameter.")
	}

	messages, err := s.db.GetMessages(limit, offset)
	if err != nil {
		return internalError(err)
	}
	return ok(map[string]interface{}{"messages": messages})
}

func (s *Server) handleChats(req *protocol.Request, query map[string]string) *response {
	limit, offset, valid := parsePage(query)
	if !valid {
		return fail("Invalid limit/offset parameter.")
	}

	chats, err := s.db.GetChats(limit, offset)
	if err != nil {
		return internalError(err)
	}
	return ok(map[string]interface{}{"chats": chats})
}

func (s *Server) handleUsers(req *protocol.Request, query map[string]string) *response {
	limit, offset, valid := parsePage(query)
	if !valid {
		return fail("Invalid limit/offset parameter.")
	}

	users, err := s.db.GetUsers(limit, offset)
	if err != nil {
		return internalError(err)
	}
	return ok(map[string]interface{}{"users": users})
}

// clientSession builds a session record from the X-Client-* request
// headers, falling back to the server runtime when the client sends none.
func clientSession(req *protocol.Request) models.Session {
	session := models.Session{
		Version:      req.HeaderValue("X-Client-Version"),
		System:       req.HeaderValue("X-Client-System"),
		Architecture: req.HeaderValue("X-Client-Architecture"),
		Release:      req.HeaderValue("X-Client-Release"),
		Time:         time.Now().UTC().Unix(),
	}
	if session.Version == "" {
		session.Version = runtime.Version()
	}
	if session.System == "" {
		session.System = runtime.GOOS
	}
	if session.Architecture == "" {
		session.Architecture = runtime.GOARCH
	}
	return session
}

func (s *Server) handleRegister(req *protocol.Request, query map[string]string) *response {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.Name == "" || body.Password == "" {
		return fail("Name and password are required.")
	}

	exists, err := s.db.UserExistsByName(body.Name)
	if err != nil {
		return internalError(err)
	}
	if exists {
		return fail("This name is already taken.")
	}

	id, err := s.alloc.AllocateID(s.db.UserExistsByID)
	if err != nil {
		return internalError(err)
	}

	token, err := s.alloc.GenerateToken()
	if err != nil {
		return internalError(err)
	}

	if err := s.db.CreateUser(id, body.Name, body.Password, token, clientSession(req)); err != nil {
		return internalError(err)
	}

	return ok(map[string]interface{}{"id": id, "token": token})
}

func (s *Server) handleLogin(req *protocol.Request, query map[string]string) *response {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.Name == "" || body.Password == "" {
		return fail("Invalid credentials or user not found.")
	}

	id, _, err := s.db.Authenticate(body.Name, body.Password)
	if err == db.ErrAuthFailed {
		// One generic message for missing user and wrong password.
		return fail("Invalid credentials or user not found.")
	}
	if err != nil {
		return internalError(err)
	}

	// Tokens rotate on every successful login: the old bearer credential
	// stops working the moment a new one is issued.
	token, err := s.alloc.GenerateToken()
	if err != nil {
		return internalError(err)
	}
	if err := s.db.UpdateToken(id, token); err != nil {
		return internalError(err)
	}

	if err := s.db.AppendSession(id, clientSession(req)); err != nil {
		return internalError(err)
	}

	return ok(map[string]interface{}{"id": id, "token": token})
}

func (s *Server) handleChangePassword(req *protocol.Request, query map[string]string) *response {
	var body struct {
		ID      *int64 `json:"id"`
		OldPass string `json:"old_pass"`
		NewPass string `json:"new_pass"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.ID == nil || *body.ID < 0 || body.OldPass == "" || body.NewPass == "" {
		return fail("Valid ID and passwords are required.")
	}

	match, err := s.db.CheckPassword(*body.ID, body.OldPass)
	if err == db.ErrNoRows {
		return fail("Invalid credentials or user not found.")
	}
	if err != nil {
		return internalError(err)
	}
	if !match {
		return fail("Invalid credentials or user not found.")
	}

	if err := s.db.UpdatePassword(*body.ID, body.NewPass); err != nil {
		return internalError(err)
	}

	// A password change also rotates the token, so credentials issued
	// before the change cannot keep acting for the user.
	token, err := s.alloc.GenerateToken()
	if err != nil {
		return internalError(err)
	}
	if err := s.db.UpdateToken(*body.ID, token); err != nil {
		return internalError(err)
	}

	return ok(map[string]interface{}{"message": "Password updated successfully.", "token": token})
}

func (s *Server) handleDeleteUser(req *protocol.Request, query map[string]string) *response {
	var body struct {
		ID    *int64 `json:"id"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.ID == nil || *body.ID < 0 || body.Token == "" {
		return fail("Valid ID and token are required.")
	}

	user, err := s.db.GetUserByID(*body.ID)
	if err == db.ErrNoRows {
		// Same answer as a token mismatch: deletion requires knowing
		// both the id and the current token.
		return fail("Delete failed.")
	}
	if err != nil {
		return internalError(err)
	}

	if !tokensEqual(user.Token, body.Token) {
		return fail("Delete failed.")
	}

	if err := s.db.DeleteUser(*body.ID); err != nil {
		if err == db.ErrNoRows {
			return fail("Delete failed.")
		}
		return internalError(err)
	}

	return ok(map[string]string{"message": "User deleted successfully."})
}

func (s *Server) handleNewChat(req *protocol.Request, query map[string]string) *response {
	var body struct {
		Title        *string  `json:"title"`
		Description  *string  `json:"description"`
		IsGroup      *bool    `json:"is_group"`
		CreatorID    *int64   `json:"creator_id"`
		CreatorToken *string  `json:"creator_token"`
		Members      *[]int64 `json:"members"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.Title == nil || body.Description == nil || body.IsGroup == nil ||
		body.CreatorID == nil || body.CreatorToken == nil || body.Members == nil {
		return fail("All fields are required.")
	}

	creator, err := s.db.GetUserByID(*body.CreatorID)
	if err == db.ErrNoRows {
		return fail("Invalid token.")
	}
	if err != nil {
		return internalError(err)
	}
	if !tokensEqual(creator.Token, *body.CreatorToken) {
		return fail("Invalid token.")
	}

	chat := models.Chat{IsGroup: *body.IsGroup}

	if *body.IsGroup {
		if *body.Title == "" {
			return fail("Title is required.")
		}
		taken, err := s.db.ChatTitleExists(*body.Title)
		if err != nil {
			return internalError(err)
		}
		if taken {
			return fail("Title " + *body.Title + " is busy.")
		}

		// Resolve every member before touching storage: one unknown
		// id fails the whole operation, no partial chat.
		for _, memberID := range *body.Members {
			exists, err := s.db.UserExistsByID(memberID)
			if err != nil {
				return internalError(err)
			}
			if !exists {
				return fail("Member " + strconv.FormatInt(memberID, 10) + " not found.")
			}
		}

		chat.Title = *body.Title
		chat.Description = *body.Description
		chat.Members = dedupeIDs(append([]int64{creator.ID}, *body.Members...))
		chat.Admins = []int64{creator.ID}
	} else {
		// Direct chat: two participants, inferred from creator plus a
		// single member; title/description are forced empty whatever
		// the client sent.
		if len(*body.Members) != 1 {
			return fail("A direct chat needs exactly one member.")
		}
		otherID := (*body.Members)[0]
		if otherID == creator.ID {
			return fail("A direct chat needs exactly one member.")
		}
		exists, err := s.db.UserExistsByID(otherID)
		if err != nil {
			return internalError(err)
		}
		if !exists {
			return fail("Member " + strconv.FormatInt(otherID, 10) + " not found.")
		}

		chat.Members = []int64{creator.ID, otherID}
		chat.Admins = []int64{creator.ID}
	}

	chatID, err := s.alloc.AllocateChatID(chat.IsGroup, s.db.ChatExists)
	if err != nil {
		return internalError(err)
	}
	chat.ChatID = chatID

	if err := s.db.CreateChat(chat); err != nil {
		return internalError(err)
	}

	return ok(map[string]interface{}{"chat": chat})
}

func (s *Server) handleSend(req *protocol.Request, query map[string]string) *response {
	var body struct {
		ChatID *int64 `json:"chat_id"`
		UserID *int64 `json:"user_id"`
		Token  string `json:"token"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.ChatID == nil || body.UserID == nil || *body.UserID < 0 || body.Text == "" {
		return fail("Valid ID and text are required.")
	}

	exists, err := s.db.ChatExists(*body.ChatID)
	if err != nil {
		return internalError(err)
	}
	if !exists {
		return fail("Chat not found.")
	}

	user, err := s.db.GetUserByID(*body.UserID)
	if err == db.ErrNoRows {
		return fail("Invalid token.")
	}
	if err != nil {
		return internalError(err)
	}
	if !tokensEqual(user.Token, body.Token) {
		return fail("Invalid token.")
	}

	message, err := s.db.SaveMessage(*body.ChatID, *body.UserID, body.Text)
	if err != nil {
		return internalError(err)
	}

	// Echo the stored fields so the client can render optimistically.
	return ok(map[string]interface{}{"message": message})
}

func (s *Server) handleAddMembers(req *protocol.Request, query map[string]string) *response {
	var body struct {
		ChatID  *int64   `json:"chat_id"`
		UserID  *int64   `json:"user_id"`
		Token   string   `json:"token"`
		Members *[]int64 `json:"members"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return fail("Invalid JSON")
	}

	if body.ChatID == nil || body.UserID == nil || *body.UserID < 0 ||
		body.Token == "" || body.Members == nil || len(*body.Members) == 0 {
		return fail("All fields are required.")
	}

	user, err := s.db.GetUserByID(*body.UserID)
	if err == db.ErrNoRows {
		return fail("Invalid token.")
	}
	if err != nil {
		return internalError(err)
	}
	if !tokensEqual(user.Token, body.Token) {
		return fail("Invalid token.")
	}

	chat, err := s.db.GetChat(*body.ChatID)
	if err == db.ErrNoRows {
		return fail("Chat not found.")
	}
	if err != nil {
		return internalError(err)
	}

	for _, memberID := range *body.Members {
		exists, err := s.db.UserExistsByID(memberID)
		if err != nil {
			return internalError(err)
		}
		if !exists {
			return fail("Member " + strconv.FormatInt(memberID, 10) + " not found.")
		}
	}

	// Membership is deduplicated by user id; adding an existing member is
	// a no-op, not a duplicate entry.
	members := dedupeIDs(append(chat.Members, *body.Members...))
	if err := s.db.UpdateChatMembers(chat.ChatID, members); err != nil {
		return internalError(err)
	}
	chat.Members = members

	return ok(map[string]interface{}{"chat": chat})
}

// dedupeIDs drops duplicate ids, keeping first-seen order.
func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// tokensEqual compares bearer tokens in constant time.
func tokensEqual(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
