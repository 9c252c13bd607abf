package domain

import "sort"

// BotLog is a single runtime log entry emitted by a bot.
// SeqID is monotonic and unique per bot.
type BotLog struct {
	SeqID            int64    `json:"seq_id"`
	Level            Level    `json:"level"`
	Text             string   `json:"text"`
	Images           []string `json:"images"`
	MessageSessionID string   `json:"message_session_id"`
	Timestamp        int64    `json:"timestamp"` // Unix seconds
}

// FromNewest is the FromIndex value that selects the newest page.
const FromNewest int64 = -1

// BotLogQuery is the request body of the bot log endpoint.
// FromIndex -1 selects the newest entries; otherwise only entries with
// seq_id <= FromIndex are returned. Pages are always newest first.
type BotLogQuery struct {
	FromIndex int64   `json:"from_index"`
	MaxCount  int     `json:"max_count"`
	Levels    []Level `json:"levels,omitempty"`
}

// BotLogPage is the response data of the bot log endpoint.
type BotLogPage struct {
	Logs       []BotLog `json:"logs"`
	TotalCount int      `json:"total_count"`
}

// SortBotLogsAsc sorts logs by ascending seq_id and drops duplicate seq_ids,
// keeping the last occurrence. The input slice is reused.
func SortBotLogsAsc(logs []BotLog) []BotLog {
	if len(logs) == 0 {
		return logs
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].SeqID < logs[j].SeqID })

	out := logs[:0]
	for i, l := range logs {
		if i+1 < len(logs) && logs[i+1].SeqID == l.SeqID {
			continue
		}
		out = append(out, l)
	}
	return out
}

// MatchesLevel reports whether the log has one of the given levels.
// An empty level set matches everything.
func (l BotLog) MatchesLevel(levels []Level) bool {
	if len(levels) == 0 {
		return true
	}
	for _, lv := range levels {
		if l.Level == lv {
			return true
		}
	}
	return false
}
