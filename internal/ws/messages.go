package ws

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	typeCreateRoom  = "create_room"
	typeJoinRoom    = "join_room"
	typeJoinRoomAlt = "join-room" // legacy spelling, same operation
	typeShapeAdd    = "shape_add"
	typeShapeDelete = "shape_delete"
	typeShapeUpdate = "shape_update"
	typeLeaveRoom   = "leave_room"
)

// inboundMessage is the decoded client frame. Shape payloads stay raw;
// the relay forwards them without interpreting their contents.
type inboundMessage struct {
	Type          string          `json:"type"`
	RoomID        string          `json:"roomId"`
	EncryptionKey string          `json:"encryptionKey"`
	RoomType      string          `json:"roomType,omitempty"`
	Shape         json.RawMessage `json:"shape,omitempty"`
	ShapeID       string          `json:"shapeId,omitempty"`
}

// ──────────────────────────── outbound frames ────────────────────────────

func roomCreatedMsg(roomID, userID string) map[string]any {
	return map[string]any{
		"type":   "room_created",
		"roomId": roomID,
		"userId": userID,
	}
}

func joinedMsg(roomID, userID string, reconnected bool) map[string]any {
	return map[string]any{
		"type":        "joined_successfully",
		"roomId":      roomID,
		"userId":      userID,
		"reconnected": reconnected,
	}
}

func roomFullMsg(roomID string, current, max int) map[string]any {
	return map[string]any{
		"type":         "room_full",
		"message":      "room is at capacity",
		"roomId":       roomID,
		"maxCapacity":  max,
		"currentCount": current,
	}
}

func shapeMsg(msgType, roomID, userID string, payload any) map[string]any {
	return map[string]any{
		"type":      msgType,
		"roomId":    roomID,
		"userId":    userID,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	}
}

func rateLimitedMsg(retryAfter time.Duration) map[string]any {
	secs := int(retryAfter / time.Second)
	if retryAfter%time.Second != 0 || secs == 0 {
		secs++
	}
	return map[string]any{
		"type":       "rate_limit_exceeded",
		"message":    "too many messages, slow down",
		"retryAfter": secs,
	}
}

func errorMsg(message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"message": message,
	}
}
