// Package testutil provides testing utilities and helpers for the job store and workflows.
package testutil

import (
	"encoding/json"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:     model.JobTypeHotelSearch,
			Priority: 50,
			Payload:  json.RawMessage(`{"destination":"Lisbon","targets":[]}`),
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithSearch encodes a search payload.
func (b *JobRequestBuilder) WithSearch(p model.SearchPayload) *JobRequestBuilder {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	b.req.Payload = raw
	return b
}

// WithMaxRetries sets the job-level retry budget.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = &maxRetries
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// SearchPayloadBuilder builds search payloads with a list of targets.
type SearchPayloadBuilder struct {
	p model.SearchPayload
}

// NewSearchPayload starts a payload for destination.
func NewSearchPayload(destination string) *SearchPayloadBuilder {
	return &SearchPayloadBuilder{p: model.SearchPayload{Destination: destination, Guests: 2}}
}

// WithTarget appends a target.
func (b *SearchPayloadBuilder) WithTarget(name, url string) *SearchPayloadBuilder {
	b.p.Targets = append(b.p.Targets, model.SearchTarget{Name: name, URL: url})
	return b
}

// WithKindTarget appends a target routed to the collection of kind.
func (b *SearchPayloadBuilder) WithKindTarget(kind model.JobType, name, url string) *SearchPayloadBuilder {
	b.p.Targets = append(b.p.Targets, model.SearchTarget{Name: name, URL: url, Kind: kind})
	return b
}

// WithSelect sets the JMESPath projection.
func (b *SearchPayloadBuilder) WithSelect(expr string) *SearchPayloadBuilder {
	b.p.Select = expr
	return b
}

// Build returns the payload.
func (b *SearchPayloadBuilder) Build() model.SearchPayload {
	return b.p
}

// Common test job request presets

// HotelSearchRequest creates a hotel search request with two targets.
func HotelSearchRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithType(model.JobTypeHotelSearch).
		WithSearch(NewSearchPayload("Lisbon").
			WithTarget("hotel-a", "https://hotels.example.com/a").
			WithTarget("hotel-b", "https://hotels.example.com/b").
			Build()).
		Build()
}

// FlightSearchRequest creates a flight search request with one target.
func FlightSearchRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithType(model.JobTypeFlightSearch).
		WithSearch(NewSearchPayload("Tokyo").
			WithTarget("carrier-x", "https://flights.example.com/x").
			Build()).
		Build()
}

// HighPriorityJobRequest creates a high priority job request.
func HighPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().WithPriority(100).Build()
}

// LowPriorityJobRequest creates a low priority job request.
func LowPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().WithPriority(10).Build()
}

// RetryableJobRequest creates a job request with a custom retry budget.
func RetryableJobRequest(maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().WithMaxRetries(maxRetries).Build()
}
