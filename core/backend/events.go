// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/capeworks/cape/core"
)

// Event is an immutable record of one committed row mutation.
//
// The payload is the full row snapshot: the post-mutation state for create
// and update, the pre-deletion state for delete. The sequence number is
// monotonically increasing per resource and assigned in commit order, so a
// subscriber can detect gaps and reordering in its own stream. Events are
// only ever constructed after the originating transaction has durably
// committed; they are retained transiently in delivery queues and not
// persisted.
type Event struct {
	Resource   string          `json:"resource"`
	Operation  core.Operation  `json:"operation"`
	ResourceID uuid.UUID       `json:"resource_id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// instance decodes the payload into a property map for permission evaluation
// and filter matching. The decode happens once per event, not per subscriber.
func (ev Event) instance() (map[string]interface{}, error) {
	var object map[string]interface{}
	err := json.Unmarshal(ev.Payload, &object)
	return object, err
}
