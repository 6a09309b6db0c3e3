package job

import (
	"autofigure/internal/artifact"
	"autofigure/internal/eventbus"
	"fmt"
)

// Output streams of the supervised process.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Status event states.
const (
	statusStarted  = "started"
	statusFinished = "finished"
)

// ArtifactBaseURL returns the URL prefix under which a job's files are served.
func ArtifactBaseURL(jobID string) string {
	return fmt.Sprintf("/v1/jobs/%s/artifacts", jobID)
}

func startedData() map[string]any {
	return map[string]any{"state": statusStarted}
}

// finishedData builds the terminal status payload. The error key is present
// only when errMsg is non-empty.
//
// Every nonzero exit carries an error. When the script wrote nothing to
// stderr, monitor.outcome fills in "job cancelled" for a cancelled job or
// "process exited with code N" otherwise, so a failed terminal event never
// arrives without a reason.
func finishedData(code int, errMsg string) map[string]any {
	data := map[string]any{
		"state": statusFinished,
		"code":  code,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return data
}

func logData(stream, line string) map[string]any {
	return map[string]any{
		"stream": stream,
		"line":   line,
	}
}

func artifactData(jobID, relPath string) map[string]any {
	return artifact.Describe(relPath, ArtifactBaseURL(jobID)).Data()
}

// replayEvents is what a subscriber attaching after completion receives:
// one artifact event per seen path in sorted order, then the terminal status.
func replayEvents(jobID string, seen []string, terminal map[string]any) []eventbus.Event {
	events := make([]eventbus.Event, 0, len(seen)+1)
	for _, p := range seen {
		events = append(events, eventbus.Event{Name: eventbus.EventArtifact, Data: artifactData(jobID, p)})
	}
	return append(events, eventbus.Event{Name: eventbus.EventStatus, Data: terminal})
}
