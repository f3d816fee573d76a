package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReceipt() ReceiptSignal {
	return ReceiptSignal{
		MessageSentAt:        1000,
		ReceiptTimestamp:     1100,
		SourceConversationID: "conv-c1",
		SourceDeviceID:       1,
		WasSentEncrypted:     true,
	}
}

func TestSyncTaskValidate(t *testing.T) {
	task := SyncTask{ID: "t1", Kind: KindDelivery, Payload: validReceipt()}
	require.NoError(t, task.Validate())

	t.Run("missing id", func(t *testing.T) {
		bad := task
		bad.ID = ""
		assert.ErrorIs(t, bad.Validate(), ErrInvalidPayload)
	})

	t.Run("unknown kind", func(t *testing.T) {
		bad := task
		bad.Kind = "bogus"
		assert.ErrorIs(t, bad.Validate(), ErrInvalidPayload)
	})

	t.Run("payload does not match kind", func(t *testing.T) {
		bad := task
		bad.Kind = KindReadSync
		assert.ErrorIs(t, bad.Validate(), ErrInvalidPayload)
	})

	t.Run("nil payload", func(t *testing.T) {
		bad := task
		bad.Payload = nil
		assert.ErrorIs(t, bad.Validate(), ErrInvalidPayload)
	})
}

func TestReceiptValidate(t *testing.T) {
	r := validReceipt()
	r.SourceConversationID = ""
	assert.ErrorIs(t, r.Validate(), ErrInvalidPayload)

	r = validReceipt()
	r.MessageSentAt = 0
	assert.ErrorIs(t, r.Validate(), ErrInvalidPayload)
}

func TestDeleteForMeValidate(t *testing.T) {
	d := DeleteForMeSignal{
		ConversationID: "conv-1",
		Target:         AddressableMessage{AuthorID: "conv-a", SentAt: 5},
	}
	require.NoError(t, d.Validate())

	d.Attachment = &AttachmentLocator{}
	assert.ErrorIs(t, d.Validate(), ErrInvalidPayload)

	d.Attachment = &AttachmentLocator{Digest: "abc"}
	assert.NoError(t, d.Validate())

	d.Target = AddressableMessage{AuthorID: "conv-a"}
	assert.ErrorIs(t, d.Validate(), ErrInvalidPayload)

	d.Target = AddressableMessage{ServerGUID: "guid-1"}
	assert.NoError(t, d.Validate())
}

func TestBackfillResponseValidate(t *testing.T) {
	resp := BackfillResponse{
		Target: AddressableMessage{AuthorID: "self", SentAt: 10},
		Attachments: []BackfillSlot{
			{Status: BackfillPending},
			{Attachment: &Attachment{CDNKey: "k"}},
			{Status: BackfillTerminalError},
		},
	}
	require.NoError(t, resp.Validate())

	resp.Attachments[0] = BackfillSlot{Status: "weird"}
	assert.ErrorIs(t, resp.Validate(), ErrInvalidPayload)

	resp.Attachments[0] = BackfillSlot{Status: BackfillPending, Attachment: &Attachment{}}
	assert.ErrorIs(t, resp.Validate(), ErrInvalidPayload)

	// Every slot must say something; an already-downloaded slot is sent
	// as a descriptor and skipped on merge.
	resp.Attachments[0] = BackfillSlot{}
	assert.ErrorIs(t, resp.Validate(), ErrInvalidPayload)

	// Error responses carry no slots.
	errResp := BackfillResponse{Target: resp.Target, Error: BackfillErrMessageNotFound}
	assert.NoError(t, errResp.Validate())
}

func TestEncodeDecodePayloadByKind(t *testing.T) {
	payloads := map[Kind]Payload{
		KindRead:     validReceipt(),
		KindReadSync: ReadSyncSignal{SenderID: "s", TargetTimestamp: 2, ObservedAt: 3},
		KindViewSync: ViewSyncSignal{SenderID: "s", TargetTimestamp: 2, ObservedAt: 3},
		KindDeleteForMe: DeleteForMeSignal{
			ConversationID: "c",
			Target:         AddressableMessage{ServerGUID: "g"},
			Attachment:     &AttachmentLocator{ClientUUID: "abc"},
		},
		KindBackfillResponse: BackfillResponse{
			Target:  AddressableMessage{AuthorID: "a", SentAt: 1},
			Sticker: &BackfillSlot{Status: BackfillPending},
		},
	}

	for kind, p := range payloads {
		t.Run(string(kind), func(t *testing.T) {
			data, err := EncodePayload(p)
			require.NoError(t, err)

			got, err := DecodePayload(kind, data)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	_, err := DecodePayload("nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestAddressableMessageMatches(t *testing.T) {
	m := &Message{ID: "m1", AuthorID: "conv-a", SentAt: 100, ServerGUID: "guid-1"}

	assert.True(t, AddressableMessage{AuthorID: "conv-a", SentAt: 100}.Matches(m))
	assert.False(t, AddressableMessage{AuthorID: "conv-b", SentAt: 100}.Matches(m))
	assert.True(t, AddressableMessage{ServerGUID: "guid-1"}.Matches(m))
	assert.False(t, AddressableMessage{ServerGUID: "guid-2"}.Matches(m))
	assert.False(t, AddressableMessage{AuthorID: "conv-a", SentAt: 100}.Matches(nil))
}

func TestSendStatusOrdering(t *testing.T) {
	assert.True(t, StatusSent < StatusDelivered)
	assert.True(t, StatusDelivered < StatusRead)
	assert.True(t, StatusRead < StatusViewed)

	s, ok := StatusForReceipt(KindView)
	require.True(t, ok)
	assert.Equal(t, StatusViewed, s)

	_, ok = StatusForReceipt(KindReadSync)
	assert.False(t, ok)

	parsed, ok := ParseSendStatus("delivered")
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, parsed)
	assert.Equal(t, "delivered", parsed.String())
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := &Message{
		ID:                        "m1",
		SendStateByConversationID: map[string]SendState{"c1": {Status: StatusSent}},
		Attachments:               []Attachment{{ClientUUID: "a"}},
		Sticker:                   &Attachment{ClientUUID: "s"},
	}
	c := m.Clone()
	c.SendStateByConversationID["c1"] = SendState{Status: StatusRead}
	c.Attachments[0].ClientUUID = "changed"
	c.Sticker.ClientUUID = "changed"

	assert.Equal(t, StatusSent, m.SendStateByConversationID["c1"].Status)
	assert.Equal(t, "a", m.Attachments[0].ClientUUID)
	assert.Equal(t, "s", m.Sticker.ClientUUID)
}

func TestDisposition(t *testing.T) {
	assert.True(t, DispositionAttachment.Backfillable())
	assert.True(t, DispositionLongMessage.Backfillable())
	assert.True(t, DispositionSticker.Backfillable())
	assert.False(t, DispositionContact.Backfillable())
	assert.False(t, DispositionPreview.Backfillable())
	assert.False(t, DispositionQuote.Backfillable())
}
