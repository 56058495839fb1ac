package model

import "encoding/json"

// SearchTarget is one item fetched during a search job, typically a provider detail page.
type SearchTarget struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url"  validate:"required,url"`
	// Kind routes the record into a result collection for trip_plan jobs.
	Kind JobType `json:"kind,omitempty" validate:"omitempty,job_type"`
	// Script overrides the extraction expression evaluated in the page.
	Script string `json:"script,omitempty"`
}

// Collection returns the result key for this target within a job of type t.
func (s SearchTarget) Collection(t JobType) string {
	if s.Kind != "" {
		return CollectionFor(s.Kind)
	}
	return CollectionFor(t)
}

// SearchPayload is the payload accepted by the search job types.
type SearchPayload struct {
	Destination string         `json:"destination"          validate:"required"`
	CheckIn     string         `json:"check_in,omitempty"`
	CheckOut    string         `json:"check_out,omitempty"`
	Guests      int            `json:"guests,omitempty"     validate:"gte=0"`
	Targets     []SearchTarget `json:"targets"              validate:"dive"`
	// Select is an optional JMESPath expression applied to each extracted record.
	Select string `json:"select,omitempty"`
	// CacheTTLSeconds overrides the result cache TTL for target fetches; 0 uses the default.
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty" validate:"gte=0"`
}

// Validate checks the payload fields.
func (p *SearchPayload) Validate() error {
	return validateStruct(p)
}

// SearchFailure is recorded in a job result for each target that could not be fetched or stored.
type SearchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Class string `json:"class"`
	Stage string `json:"stage"`
}

// SearchRecord is one successfully fetched record.
type SearchRecord struct {
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Data       json.RawMessage `json:"data"`
	DocumentID string          `json:"document_id,omitempty"`
}

// CollectionFor returns the result key used for records of a job type.
func CollectionFor(t JobType) string {
	switch t {
	case JobTypeFlightSearch:
		return "flights"
	case JobTypeHotelSearch:
		return "hotels"
	case JobTypeRestaurantSearch:
		return "restaurants"
	default:
		return "items"
	}
}
