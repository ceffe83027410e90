package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"renale/models"
	"time"

	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrAuthFailed = errors.New("authentication failed")
)

// DB is the storage gateway. The underlying *sql.DB is a connection pool
// and is safe for concurrent use across request goroutines.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open database")
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			token TEXT NOT NULL,
			sessions TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id INTEGER PRIMARY KEY,
			is_group INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			members TEXT NOT NULL DEFAULT '[]',
			admins TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_title ON chats(title)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return pkgerrors.Wrap(err, "init schema")
		}
	}

	return nil
}

// User methods

func (db *DB) UserExistsByName(name string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, pkgerrors.Wrap(err, "user exists by name")
	}
	return count > 0, nil
}

func (db *DB) UserExistsByID(id int64) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, pkgerrors.Wrap(err, "user exists by id")
	}
	return count > 0, nil
}

// CreateUser persists a new user. The password is stored as a bcrypt hash;
// the plaintext never reaches the database.
func (db *DB) CreateUser(id int64, name, password, token string, session models.Session) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return pkgerrors.Wrap(err, "hash password")
	}

	sessions, err := json.Marshal([]models.Session{session})
	if err != nil {
		return pkgerrors.Wrap(err, "marshal sessions")
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (id, name, password, token, sessions) VALUES (?, ?, ?, ?, ?)",
		id, name, string(hashed), token, string(sessions),
	)
	return pkgerrors.Wrap(err, "create user")
}

// Authenticate checks name/password and returns the user's id and current
// token. Missing user and wrong password both report ErrAuthFailed so the
// caller cannot tell which factor was wrong.
func (db *DB) Authenticate(name, password string) (int64, string, error) {
	var id int64
	var hashed, token string
	err := db.conn.QueryRow(
		"SELECT id, password, token FROM users WHERE name = ?", name,
	).Scan(&id, &hashed, &token)
	if err == sql.ErrNoRows {
		return 0, "", ErrAuthFailed
	}
	if err != nil {
		return 0, "", pkgerrors.Wrap(err, "authenticate")
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return 0, "", ErrAuthFailed
	}
	return id, token, nil
}

// CheckPassword verifies a password for a user id.
func (db *DB) CheckPassword(id int64, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password FROM users WHERE id = ?", id).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, ErrNoRows
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "check password")
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil, nil
}

func (db *DB) GetUserByID(id int64) (*models.User, error) {
	return db.getUser("SELECT id, name, password, token, sessions FROM users WHERE id = ?", id)
}

func (db *DB) GetUserByName(name string) (*models.User, error) {
	return db.getUser("SELECT id, name, password, token, sessions FROM users WHERE name = ?", name)
}

func (db *DB) getUser(query string, arg interface{}) (*models.User, error) {
	var u models.User
	var sessions string
	err := db.conn.QueryRow(query, arg).Scan(&u.ID, &u.Name, &u.Password, &u.Token, &sessions)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get user")
	}
	if err := json.Unmarshal([]byte(sessions), &u.Sessions); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal sessions")
	}
	return &u, nil
}

func (db *DB) UpdateToken(id int64, token string) error {
	_, err := db.conn.Exec("UPDATE users SET token = ? WHERE id = ?", token, id)
	return pkgerrors.Wrap(err, "update token")
}

// UpdatePassword stores a fresh bcrypt hash for the user.
func (db *DB) UpdatePassword(id int64, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return pkgerrors.Wrap(err, "hash password")
	}
	_, err = db.conn.Exec("UPDATE users SET password = ? WHERE id = ?", string(hashed), id)
	return pkgerrors.Wrap(err, "update password")
}

// AppendSession appends one session record to the user's history. The list
// is append-only; existing entries are never rewritten.
func (db *DB) AppendSession(id int64, session models.Session) error {
	user, err := db.GetUserByID(id)
	if err != nil {
		return err
	}

	sessions, err := json.Marshal(append(user.Sessions, session))
	if err != nil {
		return pkgerrors.Wrap(err, "marshal sessions")
	}

	_, err = db.conn.Exec("UPDATE users SET sessions = ? WHERE id = ?", string(sessions), id)
	return pkgerrors.Wrap(err, "append session")
}

func (db *DB) DeleteUser(id int64) error {
	result, err := db.conn.Exec("DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return pkgerrors.Wrap(err, "delete user")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "delete user")
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetUsers(limit, offset int) ([]models.PublicUser, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, sessions FROM users ORDER BY id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get users")
	}
	defer rows.Close()

	users := []models.PublicUser{}
	for rows.Next() {
		var u models.PublicUser
		var sessions string
		if err := rows.Scan(&u.ID, &u.Name, &sessions); err != nil {
			return nil, pkgerrors.Wrap(err, "get users")
		}
		if err := json.Unmarshal([]byte(sessions), &u.Sessions); err != nil {
			return nil, pkgerrors.Wrap(err, "unmarshal sessions")
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *DB) CountUsers() (int64, error) {
	return db.count("SELECT COUNT(*) FROM users")
}

// Chat methods

func (db *DB) ChatExists(chatID int64) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM chats WHERE chat_id = ?", chatID).Scan(&count)
	if err != nil {
		return false, pkgerrors.Wrap(err, "chat exists")
	}
	return count > 0, nil
}

func (db *DB) ChatTitleExists(title string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM chats WHERE title = ? AND title != ''", title,
	).Scan(&count)
	if err != nil {
		return false, pkgerrors.Wrap(err, "chat title exists")
	}
	return count > 0, nil
}

func (db *DB) CreateChat(chat models.Chat) error {
	members, err := json.Marshal(chat.Members)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal members")
	}
	admins, err := json.Marshal(chat.Admins)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal admins")
	}

	_, err = db.conn.Exec(
		"INSERT INTO chats (chat_id, is_group, title, description, members, admins) VALUES (?, ?, ?, ?, ?, ?)",
		chat.ChatID, chat.IsGroup, chat.Title, chat.Description, string(members), string(admins),
	)
	return pkgerrors.Wrap(err, "create chat")
}

func (db *DB) GetChat(chatID int64) (*models.Chat, error) {
	var c models.Chat
	var members, admins string
	err := db.conn.QueryRow(
		"SELECT chat_id, is_group, title, description, members, admins FROM chats WHERE chat_id = ?",
		chatID,
	).Scan(&c.ChatID, &c.IsGroup, &c.Title, &c.Description, &members, &admins)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get chat")
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal members")
	}
	if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal admins")
	}
	return &c, nil
}

func (db *DB) UpdateChatMembers(chatID int64, memberIDs []int64) error {
	members, err := json.Marshal(memberIDs)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal members")
	}
	result, err := db.conn.Exec(
		"UPDATE chats SET members = ? WHERE chat_id = ?", string(members), chatID,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "update chat members")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "update chat members")
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetChats(limit, offset int) ([]models.Chat, error) {
	rows, err := db.conn.Query(
		"SELECT chat_id, is_group, title, description, members, admins FROM chats ORDER BY chat_id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get chats")
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var c models.Chat
		var members, admins string
		if err := rows.Scan(&c.ChatID, &c.IsGroup, &c.Title, &c.Description, &members, &admins); err != nil {
			return nil, pkgerrors.Wrap(err, "get chats")
		}
		if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
			return nil, pkgerrors.Wrap(err, "unmarshal members")
		}
		if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
			return nil, pkgerrors.Wrap(err, "unmarshal admins")
		}
		chats = append(chats, c)
	}

	return chats, rows.Err()
}

func (db *DB) CountChats() (int64, error) {
	return db.count("SELECT COUNT(*) FROM chats")
}

// Message methods

// SaveMessage appends a message and returns the stored row, so handlers can
// echo exactly what was persisted.
func (db *DB) SaveMessage(chatID, userID int64, text string) (*models.Message, error) {
	now := time.Now().UTC().UnixMilli()
	result, err := db.conn.Exec(
		"INSERT INTO messages (chat_id, user_id, text, time) VALUES (?, ?, ?, ?)",
		chatID, userID, text, now,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "save message")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "save message")
	}

	return &models.Message{ID: id, ChatID: chatID, UserID: userID, Text: text, Time: now}, nil
}

func (db *DB) GetMessages(limit, offset int) ([]models.Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, chat_id, user_id, text, time FROM messages ORDER BY time DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get messages")
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Text, &m.Time); err != nil {
			return nil, pkgerrors.Wrap(err, "get messages")
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) CountMessages() (int64, error) {
	return db.count("SELECT COUNT(*) FROM messages")
}

func (db *DB) count(query string) (int64, error) {
	var n int64
	if err := db.conn.QueryRow(query).Scan(&n); err != nil {
		return 0, pkgerrors.Wrap(err, "count")
	}
	return n, nil
}
