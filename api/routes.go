package api

import "strings"

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"
	// PollsEndpoint lists the polls known to the coordinator
	PollsEndpoint = "/polls"
	// PollEndpoint is the endpoint to get the status of a poll
	PollURLParam = "pollId"
	PollEndpoint = "/polls/{" + PollURLParam + "}"
	// PollCheckpointsEndpoint lists the committed checkpoints of a poll,
	// without their artifacts
	PollCheckpointsEndpoint = PollEndpoint + "/checkpoints"
	// PollResultsEndpoint returns the tally of a tallied poll
	PollResultsEndpoint = PollEndpoint + "/results"
	// PollResetEndpoint recovers a poll to its last committed checkpoint
	PollResetEndpoint = PollEndpoint + "/reset"
	// SuitesEndpoint runs the scenario suites of the request body, each one
	// against a new poll
	SuitesEndpoint = "/suites"
)

// EndpointWithParam fills the URL parameter key of the endpoint path.
func EndpointWithParam(path, key, value string) string {
	return strings.ReplaceAll(path, "{"+key+"}", value)
}
