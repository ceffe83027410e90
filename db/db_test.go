package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"renale/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // SQLite recreates the file

	database, err := New(tmpfile.Name())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	return database
}

func testSession() models.Session {
	return models.Session{
		Version:      "go1.21",
		System:       "linux",
		Architecture: "amd64",
		Release:      "6.1",
		Time:         1700000000,
	}
}

func TestCreateAndGetUser(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.CreateUser(42, "alice", "pw1", "tok", testSession()))

	exists, err := database.UserExistsByName("alice")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = database.UserExistsByID(42)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = database.UserExistsByID(43)
	require.NoError(t, err)
	require.False(t, exists)

	user, err := database.GetUserByID(42)
	require.NoError(t, err)
	require.Equal(t, int64(42), user.ID)
	require.Equal(t, "alice", user.Name)
	require.Equal(t, "tok", user.Token)
	require.Len(t, user.Sessions, 1)
	require.Equal(t, "linux", user.Sessions[0].System)

	// Plaintext never hits storage.
	require.NotEqual(t, "pw1", user.Password)

	_, err = database.GetUserByID(43)
	require.ErrorIs(t, err, ErrNoRows)
}

func TestCreateUserDuplicateName(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.CreateUser(1, "alice", "pw1", "tok1", testSession()))
	require.Error(t, database.CreateUser(2, "alice", "pw2", "tok2", testSession()))
}

func TestAuthenticate(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser(1, "alice", "pw1", "tok", testSession()))

	id, token, err := database.Authenticate("alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Equal(t, "tok", token)

	// Wrong password and missing user report the same error.
	_, _, err = database.Authenticate("alice", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)

	_, _, err = database.Authenticate("nobody", "pw1")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestCheckAndUpdatePassword(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser(1, "alice", "pw1", "tok", testSession()))

	match, err := database.CheckPassword(1, "pw1")
	require.NoError(t, err)
	require.True(t, match)

	match, err = database.CheckPassword(1, "nope")
	require.NoError(t, err)
	require.False(t, match)

	_, err = database.CheckPassword(99, "pw1")
	require.ErrorIs(t, err, ErrNoRows)

	require.NoError(t, database.UpdatePassword(1, "pw2"))

	match, err = database.CheckPassword(1, "pw2")
	require.NoError(t, err)
	require.True(t, match)

	match, err = database.CheckPassword(1, "pw1")
	require.NoError(t, err)
	require.False(t, match)
}

func TestUpdateToken(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser(1, "alice", "pw1", "old", testSession()))

	require.NoError(t, database.UpdateToken(1, "new"))

	user, err := database.GetUserByID(1)
	require.NoError(t, err)
	require.Equal(t, "new", user.Token)
}

func TestAppendSession(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser(1, "alice", "pw1", "tok", testSession()))

	second := testSession()
	second.Time = 1700000100
	require.NoError(t, database.AppendSession(1, second))

	user, err := database.GetUserByID(1)
	require.NoError(t, err)
	require.Len(t, user.Sessions, 2)
	// Append-only: the first record is untouched, the new one is last.
	require.Equal(t, int64(1700000000), user.Sessions[0].Time)
	require.Equal(t, int64(1700000100), user.Sessions[1].Time)
}

func TestDeleteUser(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser(1, "alice", "pw1", "tok", testSession()))

	require.NoError(t, database.DeleteUser(1))
	require.ErrorIs(t, database.DeleteUser(1), ErrNoRows)

	exists, err := database.UserExistsByID(1)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestChatRoundtrip(t *testing.T) {
	database := setupTestDB(t)

	chat := models.Chat{
		ChatID:      -123456,
		IsGroup:     true,
		Title:       "general",
		Description: "the general chat",
		Members:     []int64{1, 2, 3},
		Admins:      []int64{1},
	}
	require.NoError(t, database.CreateChat(chat))

	exists, err := database.ChatExists(-123456)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = database.ChatExists(99)
	require.NoError(t, err)
	require.False(t, exists)

	taken, err := database.ChatTitleExists("general")
	require.NoError(t, err)
	require.True(t, taken)

	taken, err = database.ChatTitleExists("other")
	require.NoError(t, err)
	require.False(t, taken)

	got, err := database.GetChat(-123456)
	require.NoError(t, err)
	require.Equal(t, chat, *got)

	_, err = database.GetChat(99)
	require.ErrorIs(t, err, ErrNoRows)
}

func TestChatTitleExistsIgnoresEmpty(t *testing.T) {
	database := setupTestDB(t)

	// Direct chats have empty titles; an empty title is never "taken".
	require.NoError(t, database.CreateChat(models.Chat{ChatID: 7, Members: []int64{1, 2}, Admins: []int64{1}}))

	taken, err := database.ChatTitleExists("")
	require.NoError(t, err)
	require.False(t, taken)
}

func TestUpdateChatMembers(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateChat(models.Chat{
		ChatID: -1, IsGroup: true, Title: "t", Members: []int64{1}, Admins: []int64{1},
	}))

	require.NoError(t, database.UpdateChatMembers(-1, []int64{1, 2, 3}))

	chat, err := database.GetChat(-1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, chat.Members)

	require.ErrorIs(t, database.UpdateChatMembers(99, []int64{1}), ErrNoRows)
}

func TestMessages(t *testing.T) {
	database := setupTestDB(t)

	first, err := database.SaveMessage(-1, 1, "hello")
	require.NoError(t, err)
	require.Equal(t, int64(-1), first.ChatID)
	require.Equal(t, int64(1), first.UserID)
	require.Equal(t, "hello", first.Text)
	require.Positive(t, first.Time)

	second, err := database.SaveMessage(-1, 2, "world")
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
	require.GreaterOrEqual(t, second.Time, first.Time)

	messages, err := database.GetMessages(50, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// Newest first.
	require.Equal(t, "world", messages[0].Text)
	require.Equal(t, "hello", messages[1].Text)

	messages, err = database.GetMessages(1, 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hello", messages[0].Text)

	count, err := database.CountMessages()
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestCounts(t *testing.T) {
	database := setupTestDB(t)

	for _, count := range []func() (int64, error){
		database.CountUsers, database.CountMessages, database.CountChats,
	} {
		n, err := count()
		require.NoError(t, err)
		require.Zero(t, n)
	}

	require.NoError(t, database.CreateUser(1, "alice", "pw", "tok", testSession()))
	require.NoError(t, database.CreateChat(models.Chat{ChatID: 5, Members: []int64{1}, Admins: []int64{1}}))
	_, err := database.SaveMessage(5, 1, "hi")
	require.NoError(t, err)

	users, err := database.CountUsers()
	require.NoError(t, err)
	require.Equal(t, int64(1), users)

	chats, err := database.CountChats()
	require.NoError(t, err)
	require.Equal(t, int64(1), chats)
}
