package control

import "soundboard.app/internal/snowflake"

// Ingest lets an executor connection hydrate dashboard topics.
type Ingest struct {
	ex Executor
}

// NewIngest wraps ex.
func NewIngest(ex Executor) *Ingest {
	return &Ingest{ex: ex}
}

// Hydrate asks the executor to push the current state of topic.
func (i *Ingest) Hydrate(topic snowflake.ID) bool {
	frame, err := encode(Envelope{Op: OpHydrate, Control: &Control{GroupID: topic}})
	if err != nil {
		return false
	}
	return i.ex.Send(frame)
}
