package yjs

import "fmt"

// Top-level websocket message types (y-websocket framing).
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sync sub-protocol message types (y-protocols/sync).
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// WriteSyncStep1 frames a state-vector request.
func WriteSyncStep1(sv []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncStep1)
	e.WriteVarUint8Array(sv)
	return e.Bytes()
}

// WriteSyncStep2 frames the missing-updates reply.
func WriteSyncStep2(update []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncStep2)
	e.WriteVarUint8Array(update)
	return e.Bytes()
}

// WriteSyncUpdate frames an incremental update broadcast.
func WriteSyncUpdate(update []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncUpdate)
	e.WriteVarUint8Array(update)
	return e.Bytes()
}

// WriteAwareness frames an awareness update.
func WriteAwareness(update []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(MessageAwareness)
	e.WriteVarUint8Array(update)
	return e.Bytes()
}

// SyncMessage is one decoded inbound frame.
type SyncMessage struct {
	Type     uint64 // MessageSync or MessageAwareness
	SyncType uint64 // valid when Type == MessageSync
	Payload  []byte // state vector, update, or awareness update
}

// DecodeMessage parses one framed message.
func DecodeMessage(data []byte) (*SyncMessage, error) {
	d := NewDecoder(data)
	msgType, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	switch msgType {
	case MessageSync:
		syncType, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		payload, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		return &SyncMessage{Type: MessageSync, SyncType: syncType, Payload: payload}, nil
	case MessageAwareness:
		payload, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		return &SyncMessage{Type: MessageAwareness, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("yjs: unknown message type %d", msgType)
	}
}
