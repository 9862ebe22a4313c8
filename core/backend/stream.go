// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
	"github.com/capeworks/cape/core/logger"
)

// keepAliveInterval is the idle interval after which the event stream sends
// a comment frame, so proxies do not tear down the connection.
const keepAliveInterval = 30 * time.Second

// resumeControl is the first frame on every event stream. It tells the
// client the last sequence number assigned for the resource; a client that
// reconnects with a lower number knows it has missed events and must
// re-read the collection. The stream itself does not replay history.
type resumeControl struct {
	Resource string `json:"resource"`
	Sequence int64  `json:"sequence"`
	Gap      bool   `json:"gap"`
}

// createEventStream adds the GET /{plural}/events route. The route upgrades
// the request to a server-sent-events stream and subscribes the caller's
// identity to committed change events for the resource.
//
// Permission is evaluated per delivered event with the policy current at
// dispatch time, never at subscribe time. Query parameters other than
// "after" become an equality filter on the row snapshot.
func (b *Backend) createEventStream(rc core.Descriptor) {
	resource := rc.Resource
	plural := core.Plural(resource)

	logger.Default().Debugln("  handle route: /" + plural + "/events GET")
	b.router.HandleFunc("/"+plural+"/events", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Debugln("called route for", r.URL, r.Method)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		filter := map[string]string{}
		after := int64(-1)
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			if key == "after" {
				if sequence, err := strconv.ParseInt(values[0], 10, 64); err == nil {
					after = sequence
				}
				continue
			}
			filter[key] = values[0]
		}
		// the standard reconnect mechanism of the event-source protocol
		if lastEventID := r.Header.Get("Last-Event-ID"); len(lastEventID) > 0 {
			if sequence, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
				after = sequence
			}
		}

		auth := access.AuthorizationFromContext(r.Context())
		sub, err := b.broker.Subscribe(auth, resource, filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer b.broker.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		control := resumeControl{
			Resource: resource,
			Sequence: b.currentSequence(resource),
			Gap:      after >= 0 && after < b.currentSequence(resource),
		}
		controlData, _ := json.Marshal(control)
		fmt.Fprintf(w, "event: control\ndata: %s\n\n", controlData)
		flusher.Flush()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case ev := <-sub.Events():
				data, err := json.Marshal(ev)
				if err != nil {
					rlog.WithError(err).Errorln("cannot encode event for", resource)
					continue
				}
				_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Operation, data)
				if err != nil {
					// dead connection; the broker cleans up via the deferred
					// unsubscribe
					rlog.Infoln(core.DeliveryFailedError{Resource: resource, Err: err}.Error())
					return
				}
				flusher.Flush()
			case <-sub.Terminated():
				// drain what was already queued before termination
				for {
					select {
					case ev := <-sub.Events():
						if data, err := json.Marshal(ev); err == nil {
							fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Operation, data)
						}
					default:
						if sub.Evicted() {
							fmt.Fprintf(w, "event: control\ndata: {\"resource\":%q,\"evicted\":true}\n\n", resource)
						}
						flusher.Flush()
						return
					}
				}
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprintf(w, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	}).Methods(http.MethodGet)
}
