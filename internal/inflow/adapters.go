package inflow

import (
	"fmt"
	"strings"
	"time"
)

// IngestRequest is one inbound push delivery before normalization.
type IngestRequest struct {
	UserKey       string         `json:"userKey"`
	Source        SourceKind     `json:"source"`
	Payload       map[string]any `json:"payload"`
	ReceivedAt    string         `json:"receivedAt,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// SourceAdapter normalizes one source's raw payload shape into RawItems.
// Dispatch is explicit over the closed SourceKind set.
type SourceAdapter interface {
	Kind() SourceKind
	Normalize(req IngestRequest) ([]RawItem, error)
}

// MeetingAdapter handles push-delivered meeting events. The source item
// identifier derives from the meeting identifier plus its start timestamp,
// so a redelivered webhook for the same occurrence maps onto the same
// ledger key.
type MeetingAdapter struct{}

func (MeetingAdapter) Kind() SourceKind {
	return SourceMeeting
}

func (MeetingAdapter) Normalize(req IngestRequest) ([]RawItem, error) {
	meetingID := strings.TrimSpace(toString(req.Payload["meetingId"]))
	if meetingID == "" {
		return nil, &NormalizationError{Source: SourceMeeting, Reason: "missing meetingId"}
	}
	startedAt, err := parseSourceTime(req.Payload["startedAt"])
	if err != nil {
		return nil, &NormalizationError{Source: SourceMeeting, Reason: "invalid startedAt: " + err.Error()}
	}
	transcript := toString(req.Payload["transcript"])
	if strings.TrimSpace(transcript) == "" {
		return nil, &NormalizationError{Source: SourceMeeting, Reason: "missing transcript"}
	}
	item := RawItem{
		UserKey:      req.UserKey,
		Source:       SourceMeeting,
		SourceItemID: MeetingItemID(meetingID, startedAt),
		Title:        strings.TrimSpace(toString(req.Payload["title"])),
		Text:         transcript,
		OccurredAt:   startedAt,
		Metadata:     map[string]string{"meetingId": meetingID},
	}
	if endedAt, endErr := parseSourceTime(req.Payload["endedAt"]); endErr == nil {
		item.Metadata["endedAt"] = endedAt.Format(time.RFC3339)
	}
	if err := item.validate(); err != nil {
		return nil, &NormalizationError{Source: SourceMeeting, Reason: "missing user key"}
	}
	return []RawItem{item}, nil
}

// MeetingItemID is the stable dedup key for one meeting occurrence.
func MeetingItemID(meetingID string, startedAt time.Time) string {
	return meetingID + "@" + startedAt.UTC().Format(time.RFC3339)
}

// WorkspacePageAdapter handles batches of workspace pages; the page
// identifier is the source item identifier.
type WorkspacePageAdapter struct{}

func (WorkspacePageAdapter) Kind() SourceKind {
	return SourceWorkspacePage
}

func (WorkspacePageAdapter) Normalize(req IngestRequest) ([]RawItem, error) {
	rawPages, ok := req.Payload["pages"].([]any)
	if !ok || len(rawPages) == 0 {
		return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: "missing pages"}
	}
	items := make([]RawItem, 0, len(rawPages))
	for i, rawPage := range rawPages {
		page, ok := rawPage.(map[string]any)
		if !ok {
			return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: fmt.Sprintf("pages[%d] is not an object", i)}
		}
		pageID := strings.TrimSpace(toString(page["pageId"]))
		if pageID == "" {
			return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: fmt.Sprintf("pages[%d] missing pageId", i)}
		}
		content := toString(page["content"])
		if strings.TrimSpace(content) == "" {
			return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: fmt.Sprintf("pages[%d] missing content", i)}
		}
		occurredAt, err := parseSourceTime(page["updatedAt"])
		if err != nil {
			return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: fmt.Sprintf("pages[%d] invalid updatedAt: %v", i, err)}
		}
		item := RawItem{
			UserKey:      req.UserKey,
			Source:       SourceWorkspacePage,
			SourceItemID: pageID,
			Title:        strings.TrimSpace(toString(page["title"])),
			Text:         content,
			OccurredAt:   occurredAt,
		}
		if err := item.validate(); err != nil {
			return nil, &NormalizationError{Source: SourceWorkspacePage, Reason: "missing user key"}
		}
		items = append(items, item)
	}
	return items, nil
}

// ChatMessage is one message in a polled page.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	Channel   string    `json:"channel,omitempty"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"postedAt"`
}

// ChatPage is one poll window of messages, newest last.
type ChatPage struct {
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore,omitempty"`
}

// ChatAdapter converts a polled message page into RawItems. Each qualifying
// message is one item keyed by its stable message identifier, so overlapping
// poll windows re-present the same keys to the ledger instead of minting new
// ones. The latest timestamp seen is reported separately; the orchestrator
// advances the cursor with it only after the whole page commits.
type ChatAdapter struct{}

func (ChatAdapter) Kind() SourceKind {
	return SourceChat
}

func (ChatAdapter) Normalize(req IngestRequest) ([]RawItem, error) {
	return nil, &NormalizationError{Source: SourceChat, Reason: "chat is a polled source; use NormalizePage"}
}

func (ChatAdapter) NormalizePage(userKey string, page ChatPage) ([]RawItem, time.Time, error) {
	if strings.TrimSpace(userKey) == "" {
		return nil, time.Time{}, &NormalizationError{Source: SourceChat, Reason: "missing user key"}
	}
	var latest time.Time
	items := make([]RawItem, 0, len(page.Messages))
	for i, msg := range page.Messages {
		if strings.TrimSpace(msg.MessageID) == "" {
			return nil, time.Time{}, &NormalizationError{Source: SourceChat, Reason: fmt.Sprintf("messages[%d] missing messageId", i)}
		}
		if msg.PostedAt.IsZero() {
			return nil, time.Time{}, &NormalizationError{Source: SourceChat, Reason: fmt.Sprintf("messages[%d] missing postedAt", i)}
		}
		if msg.PostedAt.After(latest) {
			latest = msg.PostedAt
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		item := RawItem{
			UserKey:      userKey,
			Source:       SourceChat,
			SourceItemID: msg.MessageID,
			Title:        msg.Channel,
			Text:         msg.Text,
			OccurredAt:   msg.PostedAt.UTC(),
		}
		if msg.Channel != "" || msg.Author != "" {
			item.Metadata = map[string]string{}
			if msg.Channel != "" {
				item.Metadata["channel"] = msg.Channel
			}
			if msg.Author != "" {
				item.Metadata["author"] = msg.Author
			}
		}
		items = append(items, item)
	}
	return items, latest, nil
}

// AdapterFor returns the adapter for a push source. Chat is excluded: it is
// polled, never pushed.
func AdapterFor(kind SourceKind) (SourceAdapter, bool) {
	switch kind {
	case SourceMeeting:
		return MeetingAdapter{}, true
	case SourceWorkspacePage:
		return WorkspacePageAdapter{}, true
	default:
		return nil, false
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func parseSourceTime(v any) (time.Time, error) {
	raw := strings.TrimSpace(toString(v))
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
