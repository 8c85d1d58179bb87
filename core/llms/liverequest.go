package llms

import (
	"errors"
	"fmt"
)

// ErrMalformedRequest marks requests that can never be sent: empty unions,
// unions with more than one variant set, structured content without parts, or
// content mixing function responses with other part kinds.
var ErrMalformedRequest = errors.New("malformed live request")

// LiveRequest is the unit producers push towards the model. It is a tagged
// union: exactly one of Content, Blob, ActivityStart, ActivityEnd or Close is
// set.
//
//   - Content carries a complete, turn-ending message (text or tool results).
//   - Blob carries one fragment of continuous media with no turn semantics.
//   - ActivityStart/ActivityEnd mark user engagement boundaries explicitly;
//     they are only meaningful when automatic activity detection is disabled.
//   - Close ends the request stream; nothing follows it.
type LiveRequest struct {
	Content       *Content       `json:"content,omitempty"`
	Blob          *Blob          `json:"blob,omitempty"`
	ActivityStart *ActivityStart `json:"activityStart,omitempty"`
	ActivityEnd   *ActivityEnd   `json:"activityEnd,omitempty"`
	Close         bool           `json:"close,omitempty"`
}

// ActivityStart marks the beginning of user activity.
type ActivityStart struct{}

// ActivityEnd marks the end of user activity.
type ActivityEnd struct{}

// Validate checks the exactly-one-variant invariant and the content-part
// requirements. It returns an error wrapping [ErrMalformedRequest] when the
// request must be rejected.
func (r LiveRequest) Validate() error {
	variants := 0
	if r.Content != nil {
		variants++
	}
	if r.Blob != nil {
		variants++
	}
	if r.ActivityStart != nil {
		variants++
	}
	if r.ActivityEnd != nil {
		variants++
	}
	if r.Close {
		variants++
	}

	if variants == 0 {
		return fmt.Errorf("no variant set: %w", ErrMalformedRequest)
	}
	if variants > 1 {
		return fmt.Errorf("%d variants set, expected exactly one: %w", variants, ErrMalformedRequest)
	}

	if r.Content != nil {
		if len(r.Content.Parts) == 0 {
			return fmt.Errorf("structured content requires at least one part: %w", ErrMalformedRequest)
		}
		if r.Content.HasFunctionResponse() && !r.Content.IsFunctionResponsesOnly() {
			return fmt.Errorf("content mixes function responses with other parts: %w", ErrMalformedRequest)
		}
	}

	return nil
}
