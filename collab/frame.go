package collab

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// every websocket binary frame carries exactly one logical message:
// a leading unsigned varint message tag followed by tag-specific payload.
// multi-field payloads use protobuf wire format fields so the layout can
// grow without breaking old receivers.

type MessageTag uint64

const (
	MessageTagSync      MessageTag = 0
	MessageTagAwareness MessageTag = 1
	MessageTagAuth      MessageTag = 2
	MessageTagDocList   MessageTag = 3
	MessageTagDocGet    MessageTag = 4
	MessageTagDocSave   MessageTag = 5
	MessageTagDocDelete MessageTag = 6
	MessageTagDocEvent  MessageTag = 7
	MessageTagJoinDoc   MessageTag = 10
	MessageTagAuthLogin MessageTag = 11
)

func (self MessageTag) String() string {
	switch self {
	case MessageTagSync:
		return "sync"
	case MessageTagAwareness:
		return "awareness"
	case MessageTagAuth:
		return "auth"
	case MessageTagDocList:
		return "doc_list"
	case MessageTagDocGet:
		return "doc_get"
	case MessageTagDocSave:
		return "doc_save"
	case MessageTagDocDelete:
		return "doc_delete"
	case MessageTagDocEvent:
		return "doc_event"
	case MessageTagJoinDoc:
		return "join_doc"
	case MessageTagAuthLogin:
		return "auth_login"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(self))
	}
}

func EncodeFrame(messageTag MessageTag, payload []byte) []byte {
	b := protowire.AppendVarint(nil, uint64(messageTag))
	return append(b, payload...)
}

// decodes the leading tag of a frame. An unknown tag decodes successfully
// so that receivers can skip messages from newer peers.
func DecodeFrame(b []byte) (MessageTag, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	tag, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, fmt.Errorf("bad frame tag: %w", protowire.ParseError(n))
	}
	return MessageTag(tag), b[n:], nil
}

// AUTH payload is the bearer token bytes

func EncodeAuthFrame(token string) []byte {
	return EncodeFrame(MessageTagAuth, []byte(token))
}

// JOIN_DOC, DOC_GET, DOC_DELETE payloads are the 16 byte document id

func EncodeJoinDocFrame(documentId Id) []byte {
	return EncodeFrame(MessageTagJoinDoc, documentId.Bytes())
}

func EncodeDocGetFrame(documentId Id) []byte {
	return EncodeFrame(MessageTagDocGet, documentId.Bytes())
}

func EncodeDocDeleteFrame(documentId Id) []byte {
	return EncodeFrame(MessageTagDocDelete, documentId.Bytes())
}

func DecodeDocIdPayload(payload []byte) (Id, error) {
	return IdFromBytes(payload)
}

func EncodeDocListFrame() []byte {
	return EncodeFrame(MessageTagDocList, nil)
}

func EncodeSyncFrame(syncBytes []byte) []byte {
	return EncodeFrame(MessageTagSync, syncBytes)
}

func EncodeAwarenessFrame(awarenessBytes []byte) []byte {
	return EncodeFrame(MessageTagAwareness, awarenessBytes)
}

// DOC_SAVE payload fields:
// 1: document id (bytes)
// 2: content (bytes)
// 3: title (bytes)
// 4: updated at unix milli (varint)

func EncodeDocSaveFrame(document *DocSnapshot) []byte {
	var p []byte
	p = protowire.AppendTag(p, 1, protowire.BytesType)
	p = protowire.AppendBytes(p, document.Id.Bytes())
	p = protowire.AppendTag(p, 2, protowire.BytesType)
	p = protowire.AppendBytes(p, document.Content)
	if document.Title != "" {
		p = protowire.AppendTag(p, 3, protowire.BytesType)
		p = protowire.AppendBytes(p, []byte(document.Title))
	}
	if !document.UpdatedAt.IsZero() {
		p = protowire.AppendTag(p, 4, protowire.VarintType)
		p = protowire.AppendVarint(p, uint64(document.UpdatedAt.UnixMilli()))
	}
	return EncodeFrame(MessageTagDocSave, p)
}

func DecodeDocSaveFrame(payload []byte) (*DocSnapshot, error) {
	document := &DocSnapshot{}
	for len(payload) > 0 {
		fieldNumber, fieldType, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("bad doc_save field: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case fieldNumber == 1 && fieldType == protowire.BytesType:
			idBytes, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id, err := IdFromBytes(idBytes)
			if err != nil {
				return nil, err
			}
			document.Id = id
			payload = payload[n:]
		case fieldNumber == 2 && fieldType == protowire.BytesType:
			content, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			document.Content = append([]byte{}, content...)
			payload = payload[n:]
		case fieldNumber == 3 && fieldType == protowire.BytesType:
			title, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			document.Title = string(title)
			payload = payload[n:]
		case fieldNumber == 4 && fieldType == protowire.VarintType:
			millis, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			document.UpdatedAt = time.UnixMilli(int64(millis)).UTC()
			payload = payload[n:]
		default:
			// skip unknown fields
			n := protowire.ConsumeFieldValue(fieldNumber, fieldType, payload)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			payload = payload[n:]
		}
	}
	if (document.Id == Id{}) {
		return nil, fmt.Errorf("doc_save missing document id")
	}
	return document, nil
}

// AUTH_LOGIN payload fields:
// 1: user auth (bytes)
// 2: password (bytes)

func EncodeAuthLoginFrame(userAuth string, password string) []byte {
	var p []byte
	p = protowire.AppendTag(p, 1, protowire.BytesType)
	p = protowire.AppendBytes(p, []byte(userAuth))
	p = protowire.AppendTag(p, 2, protowire.BytesType)
	p = protowire.AppendBytes(p, []byte(password))
	return EncodeFrame(MessageTagAuthLogin, p)
}

type DocEventKind uint64

const (
	DocEventCreated DocEventKind = 1
	DocEventUpdated DocEventKind = 2
	DocEventDeleted DocEventKind = 3
)

// DOC_EVENT payload fields:
// 1: document id (bytes)
// 2: event kind (varint)

func EncodeDocEventFrame(documentId Id, kind DocEventKind) []byte {
	var p []byte
	p = protowire.AppendTag(p, 1, protowire.BytesType)
	p = protowire.AppendBytes(p, documentId.Bytes())
	p = protowire.AppendTag(p, 2, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(kind))
	return EncodeFrame(MessageTagDocEvent, p)
}

func DecodeDocEventFrame(payload []byte) (documentId Id, kind DocEventKind, err error) {
	for len(payload) > 0 {
		fieldNumber, fieldType, n := protowire.ConsumeTag(payload)
		if n < 0 {
			err = fmt.Errorf("bad doc_event field: %w", protowire.ParseError(n))
			return
		}
		payload = payload[n:]
		switch {
		case fieldNumber == 1 && fieldType == protowire.BytesType:
			idBytes, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			documentId, err = IdFromBytes(idBytes)
			if err != nil {
				return
			}
			payload = payload[n:]
		case fieldNumber == 2 && fieldType == protowire.VarintType:
			k, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			kind = DocEventKind(k)
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, fieldType, payload)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			payload = payload[n:]
		}
	}
	return
}
