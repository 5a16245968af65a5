package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameTagRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodeFrame(MessageTagSync, payload)

	messageTag, decodedPayload, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, messageTag, MessageTagSync)
	assert.Equal(t, decodedPayload, payload)
}

func TestFrameEmpty(t *testing.T) {
	_, _, err := DecodeFrame([]byte{})
	assert.NotEqual(t, err, nil)
}

func TestFrameUnknownTag(t *testing.T) {
	// unknown tags must decode so receivers can skip them
	frame := EncodeFrame(MessageTag(250), []byte{0x01})
	messageTag, payload, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, messageTag, MessageTag(250))
	assert.Equal(t, payload, []byte{0x01})
}

func TestAuthFrame(t *testing.T) {
	frame := EncodeAuthFrame("bearer-token")
	messageTag, payload, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, messageTag, MessageTagAuth)
	assert.Equal(t, string(payload), "bearer-token")
}

func TestDocIdFrames(t *testing.T) {
	documentId := NewId()

	for _, frame := range [][]byte{
		EncodeJoinDocFrame(documentId),
		EncodeDocGetFrame(documentId),
		EncodeDocDeleteFrame(documentId),
	} {
		_, payload, err := DecodeFrame(frame)
		assert.Equal(t, err, nil)
		decodedId, err := DecodeDocIdPayload(payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, decodedId, documentId)
	}
}

func TestDocSaveFrameRoundTrip(t *testing.T) {
	document := &DocSnapshot{
		Id:        NewId(),
		Title:     "flow chart",
		Content:   json.RawMessage(`{"shapes":[{"kind":"rect"}]}`),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	frame := EncodeDocSaveFrame(document)
	messageTag, payload, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, messageTag, MessageTagDocSave)

	decoded, err := DecodeDocSaveFrame(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Id, document.Id)
	assert.Equal(t, decoded.Title, document.Title)
	assert.Equal(t, []byte(decoded.Content), []byte(document.Content))
	assert.Equal(t, decoded.UpdatedAt.Equal(document.UpdatedAt), true)
}

func TestDocSaveFrameMissingId(t *testing.T) {
	_, payload, err := DecodeFrame(EncodeFrame(MessageTagDocSave, nil))
	assert.Equal(t, err, nil)
	_, err = DecodeDocSaveFrame(payload)
	assert.NotEqual(t, err, nil)
}

func TestDocEventFrameRoundTrip(t *testing.T) {
	documentId := NewId()
	frame := EncodeDocEventFrame(documentId, DocEventDeleted)

	messageTag, payload, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, messageTag, MessageTagDocEvent)

	decodedId, kind, err := DecodeDocEventFrame(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, decodedId, documentId)
	assert.Equal(t, kind, DocEventDeleted)
}
