package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

var transitions = map[Status]map[Status]bool{
	StatusCreated: {StatusRunning: true, StatusError: true},
	StatusRunning: {StatusPaused: true, StatusStopped: true, StatusError: true},
	StatusPaused:  {StatusRunning: true, StatusStopped: true, StatusError: true},
	StatusStopped: {StatusRunning: true, StatusStopped: true, StatusError: true},
	StatusError:   {StatusRunning: true, StatusError: true, StatusStopped: true},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether a persisted session claims to have a live worker.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// CanTransition reports whether the lifecycle table allows from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition returns a *TransitionError when from -> to is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

type StopCause string

const (
	CauseNone        StopCause = ""
	CauseManual      StopCause = "manual"
	CauseIdleTimeout StopCause = "idle_timeout"
	CauseCutoff      StopCause = "cutoff_reached"
	CauseClientError StopCause = "client_error"
	CauseShutdown    StopCause = "shutdown"
	CauseOrphaned    StopCause = "orphaned"
)

type OffsetMode string

const (
	OffsetEarliest OffsetMode = "earliest"
	OffsetLatest   OffsetMode = "latest"
	OffsetExplicit OffsetMode = "explicit"
)

// StartOffset says where a fresh client begins reading.
type StartOffset struct {
	Mode   OffsetMode
	Offset int64
}

func Earliest() StartOffset { return StartOffset{Mode: OffsetEarliest} }

func Latest() StartOffset { return StartOffset{Mode: OffsetLatest} }

func At(offset int64) StartOffset { return StartOffset{Mode: OffsetExplicit, Offset: offset} }

// ParseStartOffset accepts "earliest", "latest", or a non-negative offset.
// The empty string means latest.
func ParseStartOffset(s string) (StartOffset, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", string(OffsetLatest):
		return Latest(), nil
	case string(OffsetEarliest):
		return Earliest(), nil
	default:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return StartOffset{}, fmt.Errorf("%w: start offset %q is not earliest, latest or a non-negative offset", ErrValidation, s)
		}
		return At(n), nil
	}
}

func (o StartOffset) String() string {
	if o.Mode == OffsetExplicit {
		return strconv.FormatInt(o.Offset, 10)
	}
	if o.Mode == "" {
		return string(OffsetLatest)
	}
	return string(o.Mode)
}

func (o StartOffset) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *StartOffset) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatInt(int64(v), 10)
	case nil:
	default:
		return fmt.Errorf("%w: start offset must be a string or number", ErrValidation)
	}
	parsed, err := ParseStartOffset(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Session is one consumption task against a topic.
type Session struct {
	ID            string `json:"id"`
	ConnectionID  string `json:"connectionId"`
	Topic         string `json:"topic"`
	Partition     *int32 `json:"partitionId,omitempty"`
	ConsumerGroup string `json:"consumerGroup"`

	StartOffset StartOffset `json:"startOffset"`
	// CurrentOffset is the offset of the most recently captured record, -1
	// before the first capture. Without a partition it belongs to whichever
	// partition delivered last and is not a resume position.
	CurrentOffset int64 `json:"currentOffset"`

	MaxMessages   int64 `json:"maxMessages,omitempty"`
	PollTimeoutMs int64 `json:"pollTimeoutMs"`
	AutoCommit    bool  `json:"autoCommit"`

	MessagesConsumed int64 `json:"messagesConsumed"`

	Status    Status    `json:"status"`
	StopCause StopCause `json:"stopCause,omitempty"`
	LastError string    `json:"lastError,omitempty"`

	// Generation increments on every start and fences worker write-backs.
	Generation int64 `json:"generation"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AllPartitions reports whether the session subscribes to the whole topic.
func (s Session) AllPartitions() bool {
	return s.Partition == nil
}

func (s Session) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMs) * time.Millisecond
}

// CutoffReached reports whether the max-message limit, if any, is met.
func (s Session) CutoffReached(consumed int64) bool {
	return s.MaxMessages > 0 && consumed >= s.MaxMessages
}

// Progress is the write-back a running worker makes for its session.
type Progress struct {
	SessionID        string
	Generation       int64
	MessagesConsumed int64
	CurrentOffset    int64
}

// Outcome is the final state a worker leaves its session in.
type Outcome struct {
	Progress
	Status    Status
	Cause     StopCause
	LastError string
	StoppedAt time.Time
}
