package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cpmentor/notification-service/internal/broker"
)

// Broker topology shared by producers and the consumer.
const (
	ExchangeTaskEvents = "task_events"
	ExchangeCodeforces = "codeforces_notifications"

	QueueTaskNotifications    = "notification_queue"
	QueueContestNotifications = "contest_notification_queue"

	RoutingKeyTaskCreated      = "task.created"
	RoutingKeyTaskBatchCreated = "task.batch_created"
	RoutingKeyContestUpcoming  = "notifications.contest.upcoming"
)

// Message type discriminators carried in the AMQP type property.
const (
	TypeTaskCreated         = "task_created"
	TypeTasksBatchCreated   = "tasks_batch_created"
	TypeContestNotification = "contest_notification"
)

// ContestEnvelopeType is the "type" field inside contest message bodies.
const ContestEnvelopeType = "upcoming_contest"

// ErrMalformedPayload is returned when a recognized message type carries a
// body that cannot be decoded or misses required fields.
var ErrMalformedPayload = errors.New("notifications: malformed payload")

// Event is a decoded broker message. The concrete type is one of
// TaskCreated, TasksBatchCreated, ContestAnnouncement or Unrecognized.
type Event interface {
	EventType() string
	sealed()
}

// TaskStub is a task as announced by the task service.
type TaskStub struct {
	TaskID   FlexID `json:"task_id"`
	UserID   FlexID `json:"user_id"`
	MentorID FlexID `json:"mentor_id,omitempty"`
	Title    string `json:"title"`
	DueDate  string `json:"due_date,omitempty"`
}

func (t TaskStub) validate() error {
	switch {
	case t.TaskID == "":
		return fmt.Errorf("%w: task_id is required", ErrMalformedPayload)
	case t.UserID == "":
		return fmt.Errorf("%w: user_id is required for task %s", ErrMalformedPayload, t.TaskID)
	case t.Title == "":
		return fmt.Errorf("%w: title is required for task %s", ErrMalformedPayload, t.TaskID)
	}
	return nil
}

// TaskCreated announces a single task.
type TaskCreated struct {
	Task TaskStub
}

// TasksBatchCreated announces several tasks, possibly for different users.
type TasksBatchCreated struct {
	Tasks []TaskStub `json:"tasks"`
}

// ContestPayload is the "data" object of a contest notification.
type ContestPayload struct {
	ID              FlexInt   `json:"id"`
	Name            string    `json:"name"`
	StartTime       StartTime `json:"startTimeSeconds"`
	DurationSeconds FlexInt   `json:"durationSeconds"`
	WebsiteURL      string    `json:"website_url,omitempty"`
}

func (c ContestPayload) validate() error {
	switch {
	case c.ID <= 0:
		return fmt.Errorf("%w: contest id is required", ErrMalformedPayload)
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: contest %d has no name", ErrMalformedPayload, c.ID)
	case c.StartTime.IsZero():
		return fmt.Errorf("%w: contest %d has no startTimeSeconds", ErrMalformedPayload, c.ID)
	case c.DurationSeconds <= 0:
		return fmt.Errorf("%w: contest %d has no durationSeconds", ErrMalformedPayload, c.ID)
	}
	return nil
}

// ContestEnvelope is the full body of a contest notification message.
type ContestEnvelope struct {
	Type      string         `json:"type"`
	Data      ContestPayload `json:"data"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ContestAnnouncement announces an upcoming contest.
type ContestAnnouncement struct {
	Contest   ContestPayload
	Timestamp string
}

// Unrecognized is any message whose type this service does not handle.
type Unrecognized struct {
	Type        string
	ContentType string
	Raw         []byte
}

// Excerpt returns at most n bytes of the raw body for logging.
func (u Unrecognized) Excerpt(n int) string {
	if len(u.Raw) <= n {
		return string(u.Raw)
	}
	return string(u.Raw[:n]) + "..."
}

func (TaskCreated) EventType() string         { return TypeTaskCreated }
func (TasksBatchCreated) EventType() string   { return TypeTasksBatchCreated }
func (ContestAnnouncement) EventType() string { return TypeContestNotification }
func (u Unrecognized) EventType() string      { return u.Type }

func (TaskCreated) sealed()         {}
func (TasksBatchCreated) sealed()   {}
func (ContestAnnouncement) sealed() {}
func (Unrecognized) sealed()        {}

// DecodeEvent turns a broker message into an Event. Unknown types decode to
// Unrecognized without error; known types with bad bodies return an error
// wrapping ErrMalformedPayload.
func DecodeEvent(msg broker.Message) (Event, error) {
	switch msg.Type {
	case TypeTaskCreated:
		var task TaskStub
		if err := decodeBody(msg, &task); err != nil {
			return nil, err
		}
		if err := task.validate(); err != nil {
			return nil, err
		}
		return TaskCreated{Task: task}, nil

	case TypeTasksBatchCreated:
		var batch TasksBatchCreated
		if err := decodeBody(msg, &batch); err != nil {
			return nil, err
		}
		for _, task := range batch.Tasks {
			if err := task.validate(); err != nil {
				return nil, err
			}
		}
		return batch, nil

	case TypeContestNotification:
		var env ContestEnvelope
		if err := decodeBody(msg, &env); err != nil {
			return nil, err
		}
		if err := env.Data.validate(); err != nil {
			return nil, err
		}
		return ContestAnnouncement{Contest: env.Data, Timestamp: env.Timestamp}, nil

	default:
		return Unrecognized{Type: msg.Type, ContentType: msg.ContentType, Raw: msg.Body}, nil
	}
}

func decodeBody(msg broker.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Type, err)
	}
	return nil
}

// FlexID is an identifier that may arrive as a JSON string or number.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// FlexInt is an integer that may arrive as a JSON number or numeric string.
type FlexInt int64

func (v *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*v = FlexInt(n)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return fmt.Errorf("invalid integer %s", b)
	}
	*v = FlexInt(f)
	return nil
}

// StartTime is a contest start instant. It decodes from epoch seconds (int,
// float or numeric string) or an ISO-8601 datetime; datetimes without an
// offset are taken as UTC. It encodes as epoch seconds.
type StartTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *StartTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseStartTime(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid startTimeSeconds %s", b)
	}
	t.Time = fromEpoch(f)
	return nil
}

func (t StartTime) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, t.Unix(), 10), nil
}

// ParseStartTime parses the string forms accepted for startTimeSeconds.
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid startTimeSeconds %q", s)
}

func fromEpoch(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6))).UTC()
}
