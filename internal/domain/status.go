package domain

import "time"

// Status is a product's position in the listing lifecycle.
type Status string

const (
	// StatusUploading — intake created, photos still arriving.
	StatusUploading Status = "uploading"
	// StatusProcessing — a generation attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusReady — generated content is available for review.
	StatusReady Status = "ready"
	// StatusPublishing — a marketplace publish call is in flight.
	StatusPublishing Status = "publishing"
	// StatusPublished — listing is live; terminal.
	StatusPublished Status = "published"
	// StatusFailed — last attempt failed; retry re-enters processing.
	StatusFailed Status = "failed"
)

// transitions is the complete legal transition table. published only allows
// the no-op re-entry; everything else is rejected.
var transitions = map[Status][]Status{
	StatusUploading:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusReady, StatusFailed},
	StatusReady:      {StatusPublishing, StatusProcessing, StatusFailed},
	StatusPublishing: {StatusPublished, StatusFailed},
	StatusPublished:  {StatusPublished},
	StatusFailed:     {StatusProcessing},
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the status permits no further progress.
func (s Status) Terminal() bool {
	return s == StatusPublished
}

// CanTransitionTo reports whether the table allows moving to the target status.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every source status that may move into the target.
// Used by the repository to build the atomic conditional update.
func AllowedFrom(to Status) []Status {
	var from []Status
	for src, targets := range transitions {
		if src == to && to == StatusPublished {
			continue
		}
		for _, t := range targets {
			if t == to {
				from = append(from, src)
			}
		}
	}
	return from
}

// TransitionTo applies one lifecycle transition in place, maintaining the
// processing timestamps. Returns InvalidTransitionError when the table
// forbids the move; the product is left untouched in that case.
func (p *Product) TransitionTo(to Status, now time.Time) error {
	if !p.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{From: p.Status, To: to}
	}
	from := p.Status
	p.Status = to
	p.UpdatedAt = now

	switch to {
	case StatusProcessing:
		started := now
		p.ProcessingStartedAt = &started
		p.ProcessingCompletedAt = nil
		p.ProcessingError = ""
	case StatusReady:
		completed := now
		p.ProcessingCompletedAt = &completed
		p.ProcessingError = ""
	case StatusFailed:
		if from == StatusProcessing {
			completed := now
			p.ProcessingCompletedAt = &completed
		}
	}
	return nil
}
