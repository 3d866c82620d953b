package cliparse

import (
	"strconv"
	"strings"

	"confbridge-admin/internal/models"
)

// ParseRoomList reads the output of "confbridge list".
func ParseRoomList(text string) []models.RoomSummary {
	t := parseTable(text)
	if len(t.rows) == 0 {
		return nil
	}

	nameCol := t.column("conference bridge name", "conference", "name")
	if nameCol < 0 {
		nameCol = 0
	}
	usersCol := t.column("users", "parties")
	markedCol := t.column("marked")
	lockedCol := t.column("locked")
	mutedCol := t.column("muted")

	seen := make(map[string]bool)
	var rooms []models.RoomSummary
	for _, row := range t.rows {
		id := cell(row, nameCol)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		rooms = append(rooms, models.RoomSummary{
			RoomID:           id,
			ParticipantCount: atoi(cell(row, usersCol)),
			MarkedCount:      atoi(cell(row, markedCol)),
			Locked:           yes(cell(row, lockedCol)),
			Muted:            yes(cell(row, mutedCol)),
		})
	}
	return rooms
}

// ParseParticipantList reads the output of "confbridge list <room>".
func ParseParticipantList(text string) []models.Participant {
	t := parseTable(text)
	if len(t.rows) == 0 {
		return nil
	}

	chanCol := t.column("channel")
	if chanCol < 0 {
		chanCol = 0
	}
	flagsCol := t.column("flags")
	userCol := t.column("user profile")
	bridgeCol := t.column("bridge profile")
	menuCol := t.column("menu")
	cidCol := t.column("callerid", "caller id")
	mutedCol := t.column("muted")

	var out []models.Participant
	for _, row := range t.rows {
		ch := cell(row, chanCol)
		if !strings.Contains(ch, "/") {
			continue
		}
		flags := cell(row, flagsCol)
		p := models.Participant{
			Channel:       ch,
			CallerID:      cell(row, cidCol),
			Flags:         flags,
			UserProfile:   cell(row, userCol),
			BridgeProfile: cell(row, bridgeCol),
			Menu:          cell(row, menuCol),
			Admin:         strings.ContainsRune(flags, 'A'),
			Marked:        strings.ContainsRune(flags, 'M'),
			Muted:         strings.ContainsRune(flags, 'm') || yes(cell(row, mutedCol)),
			Waiting:       strings.ContainsRune(flags, 'w'),
		}
		out = append(out, p)
	}
	return out
}

// ParseChannels reads "core show channels concise": one '!'-separated record
// per line.
func ParseChannels(text string) []models.Channel {
	var out []models.Channel
	for _, line := range normalize(text) {
		fields := strings.Split(line, "!")
		if len(fields) < 6 || !strings.Contains(fields[0], "/") {
			continue
		}
		c := models.Channel{
			Name:        fields[0],
			Context:     fields[1],
			Extension:   fields[2],
			State:       fields[4],
			Application: fields[5],
		}
		if len(fields) > 7 {
			c.CallerID = fields[7]
		}
		if len(fields) > 12 {
			c.BridgeID = fields[12]
		}
		out = append(out, c)
	}
	return out
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}
