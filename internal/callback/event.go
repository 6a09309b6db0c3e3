package callback

import (
	"autofigure/internal/eventbus"
	"autofigure/pkg/cloudevent"
	"maps"
)

// Source is the CloudEvents source attribute of every forwarded event.
const Source = "autofigure/service"

// eventTypePrefix is prepended to the bus event name to form the CloudEvent type.
const eventTypePrefix = "autofigure.job."

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: jobID,
	}
}

// Build converts a bus event. The payload is copied and tagged with the job ID.
func (b *EventBuilder) Build(e eventbus.Event) *cloudevent.CloudEvent {
	data := make(map[string]any, len(e.Data)+1)
	maps.Copy(data, e.Data)
	data["jobId"] = b.subject
	return cloudevent.New(eventTypePrefix+e.Name, b.source, b.subject, data)
}
