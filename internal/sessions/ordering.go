package sessions

import (
	"sort"
	"strings"
)

// Sortable fields of ListByStartAndMax.
const (
	OrderByStreamID       = "stream_id"
	OrderByPublicSID      = "public_sid"
	OrderByUserID         = "user_id"
	OrderByRoomID         = "room_id"
	OrderByServerID       = "server_id"
	OrderByScopeName      = "scope_name"
	OrderByUsername       = "username"
	OrderByRemoteAddress  = "remote_address"
	OrderByRemotePort     = "remote_port"
	OrderByConnectedSince = "connected_since"
	OrderByModerator      = "is_moderator"
	OrderByRecording      = "is_recording"
	OrderByPublishing     = "is_publishing_screen"
)

// compareFunc returns <0, 0 or >0.
type compareFunc func(a, b ClientSession) int

var orderings = map[string]compareFunc{
	OrderByStreamID:       func(a, b ClientSession) int { return strings.Compare(a.StreamID, b.StreamID) },
	OrderByPublicSID:      func(a, b ClientSession) int { return strings.Compare(a.PublicSID, b.PublicSID) },
	OrderByUserID:         func(a, b ClientSession) int { return compareOptional(a.UserID, b.UserID) },
	OrderByRoomID:         func(a, b ClientSession) int { return compareOptional(a.RoomID, b.RoomID) },
	OrderByServerID:       func(a, b ClientSession) int { return strings.Compare(a.Partition(), b.Partition()) },
	OrderByScopeName:      func(a, b ClientSession) int { return strings.Compare(a.ScopeName, b.ScopeName) },
	OrderByUsername:       func(a, b ClientSession) int { return strings.Compare(a.Username, b.Username) },
	OrderByRemoteAddress:  func(a, b ClientSession) int { return strings.Compare(a.RemoteAddress, b.RemoteAddress) },
	OrderByRemotePort:     func(a, b ClientSession) int { return a.RemotePort - b.RemotePort },
	OrderByConnectedSince: func(a, b ClientSession) int { return a.ConnectedSince.Compare(b.ConnectedSince) },
	OrderByModerator:      func(a, b ClientSession) int { return compareBool(a.IsModerator, b.IsModerator) },
	OrderByRecording:      func(a, b ClientSession) int { return compareBool(a.IsRecording, b.IsRecording) },
	OrderByPublishing:     func(a, b ClientSession) int { return compareBool(a.IsPublishingScreen, b.IsPublishingScreen) },
}

// IsSortField reports whether field can be passed to ListByStartAndMax.
func IsSortField(field string) bool {
	_, ok := orderings[normalizeOrderBy(field)]
	return ok
}

func normalizeOrderBy(field string) string {
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" {
		return OrderByStreamID
	}
	return field
}

// sortSessions orders items by field. Ties are always broken by ascending stream id so pages
// stay deterministic.
func sortSessions(items []ClientSession, field string, asc bool) {
	cmp := orderings[normalizeOrderBy(field)]
	sort.SliceStable(items, func(i, j int) bool {
		c := cmp(items[i], items[j])
		if !asc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return items[i].StreamID < items[j].StreamID
	})
}

// compareOptional orders absent values first.
func compareOptional(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
