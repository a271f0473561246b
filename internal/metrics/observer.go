package metrics

type SessionObserver interface {
	RecordCaptured(topic string)
	RecordDuplicate()
	RecordFallbackWrite()
	RecordPollDuration(seconds float64)
	RecordSessionStarted()
	RecordSessionStopped(cause string)
}

type NoopObserver struct{}

func (NoopObserver) RecordCaptured(_ string)       {}
func (NoopObserver) RecordDuplicate()              {}
func (NoopObserver) RecordFallbackWrite()          {}
func (NoopObserver) RecordPollDuration(_ float64)  {}
func (NoopObserver) RecordSessionStarted()         {}
func (NoopObserver) RecordSessionStopped(_ string) {}
func (NoopObserver) RecordFanoutDropped()          {}
func (NoopObserver) RecordRetentionDeleted(_ int)  {}
