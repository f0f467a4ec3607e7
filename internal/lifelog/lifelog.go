package lifelog

import "time"

// Entry is one recorded lifelog episode. ID is assigned by the provider and is
// stable across re-syncs; it is the upsert key everywhere downstream.
type Entry struct {
	ID             string
	Title          string
	Markdown       string
	StartTime      string
	EndTime        string
	StartMillis    int64
	EndMillis      int64
	IsStarred      bool
	UpdatedAt      time.Time
	SyncedAt       time.Time
	Timezone       string
	Hash           string
	LastAnalyzedAt time.Time
}

// Segment is one flattened node of an entry's content tree. ID is derived from
// the entry id and the node's structural path ("entryId:0.2.1"), so re-deriving
// it from the same tree yields the same id.
type Segment struct {
	ID                string
	EntryID           string
	Path              string
	Type              string
	Content           string
	StartTime         string
	EndTime           string
	StartOffsetMs     int64
	EndOffsetMs       int64
	SpeakerName       string
	SpeakerIdentifier string
}

// ContentNode is one node of the hierarchical transcript/outline as returned by
// the provider. Empty fields stay empty; absence of a speaker is the empty
// string.
type ContentNode struct {
	Type              string        `json:"type"`
	Content           string        `json:"content"`
	StartTime         string        `json:"startTime"`
	EndTime           string        `json:"endTime"`
	StartOffsetMs     int64         `json:"startOffsetMs"`
	EndOffsetMs       int64         `json:"endOffsetMs"`
	SpeakerName       string        `json:"speakerName"`
	SpeakerIdentifier string        `json:"speakerIdentifier"`
	Children          []ContentNode `json:"children"`
}

// EpochMillis converts a provider wall-clock timestamp to epoch milliseconds.
// Unparseable or empty input yields 0; callers treat that as "unknown".
func EpochMillis(wallclock string) int64 {
	if wallclock == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, wallclock)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
