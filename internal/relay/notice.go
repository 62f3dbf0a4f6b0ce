package relay

import "time"

// Room-lifecycle notices sent by the registry. Session-level replies
// (acks, errors, throttle notices) live with the websocket layer.

func joinedNotice(roomID, userID string, count int, ts time.Time) map[string]any {
	return map[string]any{
		"type":             "join-room",
		"roomId":           roomID,
		"userId":           userID,
		"participantCount": count,
		"timestamp":        ts.UnixMilli(),
	}
}

func leftNotice(roomID, userID string, count int, ts time.Time) map[string]any {
	return map[string]any{
		"type":             "user_left",
		"roomId":           roomID,
		"userId":           userID,
		"participantCount": count,
		"timestamp":        ts.UnixMilli(),
	}
}

func creatorLeftNotice(roomID, creatorID string, ts time.Time) map[string]any {
	return map[string]any{
		"type":      "creator_left",
		"roomId":    roomID,
		"message":   "room creator left, room is closing",
		"userId":    creatorID,
		"timestamp": ts.UnixMilli(),
	}
}

func roomClosedNotice(roomID string, ts time.Time) map[string]any {
	return map[string]any{
		"type":      "room_closed",
		"roomId":    roomID,
		"message":   "room closed due to inactivity",
		"timestamp": ts.UnixMilli(),
	}
}
