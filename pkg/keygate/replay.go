package keygate

import "fmt"

// ReplayResponse reconstructs a wire-level response from a terminal
// record: the stored body is decoded, volatile headers are stripped, and
// the replay indicator plus key echo are injected.
//
// Calling this with a record that has no stored response is a programming
// error; the state machine only routes terminal records here.
func ReplayResponse(record *IdempotencyRecord, key string) (*Response, error) {
	if record.Response == nil {
		return nil, fmt.Errorf("replay of record %s: %w", record.Key, ErrNoStoredResponse)
	}

	body, err := record.Response.BodyBytes()
	if err != nil {
		return nil, fmt.Errorf("replay of record %s: %w", record.Key, err)
	}

	headers := FilterResponseHeaders(record.Response.Headers, false, nil)
	headers = AddReplayHeaders(headers, key, true)

	return &Response{
		Status:  record.Response.Status,
		Headers: headers,
		Body:    body,
	}, nil
}
