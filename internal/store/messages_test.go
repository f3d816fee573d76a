package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receiptsync/internal/model"
)

func testMessage(id string, sentAt int64) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: "conv-c1",
		Type:           model.MessageOutgoing,
		AuthorID:       "conv-self",
		SentAt:         sentAt,
		SendStateByConversationID: map[string]model.SendState{
			"conv-c1": {Status: model.StatusSent, UpdatedAt: sentAt},
		},
		Attachments: []model.Attachment{{ClientUUID: "abc", Path: "a/abc.bin", Size: 10}},
	}
}

func TestSaveAndFindMessage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := testMessage("m1", 1000)
	require.NoError(t, s.SaveMessage(ctx, m))

	got, err := s.FindMessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// Upsert replaces the stored state.
	m.SendStateByConversationID["conv-c1"] = model.SendState{Status: model.StatusDelivered, UpdatedAt: 1100}
	require.NoError(t, s.SaveMessages(ctx, []*model.Message{m}))

	got, err = s.FindMessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.SendStateByConversationID["conv-c1"].Status)

	missing, err := s.FindMessageByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindMessagesBySentAt_OrderedByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMessages(ctx, []*model.Message{
		testMessage("m-b", 1000),
		testMessage("m-a", 1000),
		testMessage("m-c", 2000),
	}))

	msgs, err := s.FindMessagesBySentAt(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-a", msgs[0].ID)
	assert.Equal(t, "m-b", msgs[1].ID)

	none, err := s.FindMessagesBySentAt(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindMessageByLocator(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := testMessage("m1", 1000)
	m.ServerGUID = "guid-1"
	require.NoError(t, s.SaveMessage(ctx, m))

	tests := []struct {
		name  string
		loc   model.AddressableMessage
		found bool
	}{
		{"by guid", model.AddressableMessage{ServerGUID: "guid-1"}, true},
		{"by author and time", model.AddressableMessage{AuthorID: "conv-self", SentAt: 1000}, true},
		{"unknown guid falls back to author", model.AddressableMessage{ServerGUID: "x", AuthorID: "conv-self", SentAt: 1000}, true},
		{"wrong author", model.AddressableMessage{AuthorID: "conv-other", SentAt: 1000}, false},
		{"unknown guid only", model.AddressableMessage{ServerGUID: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindMessageByLocator(ctx, tt.loc)
			require.NoError(t, err)
			if tt.found {
				require.NotNil(t, got)
				assert.Equal(t, "m1", got.ID)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestDeleteMessage_Tombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := testMessage("m1", 1000)
	m.ServerGUID = "guid-1"
	require.NoError(t, s.SaveMessage(ctx, m))

	loc := model.AddressableMessage{AuthorID: "conv-self", SentAt: 1000}
	deleted, err := s.IsMessageDeleted(ctx, loc)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, s.DeleteMessage(ctx, "m1"))

	got, err := s.FindMessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err = s.IsMessageDeleted(ctx, loc)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.IsMessageDeleted(ctx, model.AddressableMessage{ServerGUID: "guid-1"})
	require.NoError(t, err)
	assert.True(t, deleted)

	// Repeated delete is a no-op.
	require.NoError(t, s.DeleteMessage(ctx, "m1"))
}

func TestFindReactionByTarget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReaction(ctx, model.Reaction{
		ID:              "r1",
		ConversationID:  "conv-s",
		FromID:          "conv-self",
		TargetAuthorID:  "conv-s",
		TargetTimestamp: 2000,
		Emoji:           "+1",
		SentAt:          2100,
	}))

	r, err := s.FindReactionByTarget(ctx, "conv-self", "conv-s", 2000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "r1", r.ID)

	r, err = s.FindReactionByTarget(ctx, "conv-other", "conv-s", 2000)
	require.NoError(t, err)
	assert.Nil(t, r, "reaction sent by someone else does not match")
}

func TestLookupOrCreateConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.LookupOrCreateConversation(ctx, model.Identity{ServiceID: "ABC"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "abc", first.ServiceID)

	// Same identity, different case and whitespace.
	again, err := s.LookupOrCreateConversation(ctx, model.Identity{ServiceID: " abc "})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Adding the phone number merges into the existing row.
	merged, err := s.LookupOrCreateConversation(ctx, model.Identity{ServiceID: "abc", E164: "+15550001111"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, "+15550001111", merged.E164)

	byPhone, err := s.LookupOrCreateConversation(ctx, model.Identity{E164: "+15550001111"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, byPhone.ID)

	_, err = s.LookupOrCreateConversation(ctx, model.Identity{})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestSaveConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, model.Conversation{ID: "conv-s", ServiceID: "S"}))

	conv, err := s.LookupOrCreateConversation(ctx, model.Identity{ServiceID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "conv-s", conv.ID)
}

func TestFileStore_Delete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	file := filepath.Join(root, "a", "abc.bin")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	fs := NewFileStore(root)
	require.NoError(t, fs.Delete("a/abc.bin"))
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))

	// Already gone.
	require.NoError(t, fs.Delete("a/abc.bin"))
	require.NoError(t, fs.Delete(""))

	assert.Equal(t, filepath.Join(root, "etc", "passwd"), fs.resolve("../../etc/passwd"))
}
