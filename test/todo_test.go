package test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/capeworks/cape/core/backend"
)

type TodoPipelineTestSuite struct {
	IntegrationTestSuite
}

func TestTodoPipelineTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, &TodoPipelineTestSuite{})
}

type todo struct {
	TodoID uuid.UUID `json:"todo_id"`
	UserID string    `json:"user_id"`
	Title  string    `json:"title"`
	Done   bool      `json:"done"`
}

func (s *TodoPipelineTestSuite) request(method, path, token string, body interface{}) (*http.Response, []byte) {
	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		s.Require().NoError(err)
	}
	request, err := http.NewRequest(method, "http://"+s.serverAddr+path, &buf)
	s.Require().NoError(err)
	if len(token) > 0 {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	s.Require().NoError(err)
	data := make([]byte, 0)
	if response.Body != nil {
		buffer := new(bytes.Buffer)
		buffer.ReadFrom(response.Body)
		response.Body.Close()
		data = buffer.Bytes()
	}
	return response, data
}

type streamedEvent struct {
	sequence int64
	event    string
	data     string
}

// openStream subscribes to the todo event stream and feeds parsed frames into
// the returned channel until the stream's context is cancelled
func (s *TodoPipelineTestSuite) openStream(ctx context.Context, token string) <-chan streamedEvent {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.serverAddr+"/todos/events", nil)
	s.Require().NoError(err)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	s.Require().NoError(err)
	s.Require().Equal("text/event-stream", response.Header.Get("Content-Type"))

	frames := make(chan streamedEvent, 32)
	go func() {
		defer response.Body.Close()
		defer close(frames)
		reader := bufio.NewReader(response.Body)
		var current streamedEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				current.sequence, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case len(line) == 0 && len(current.event) > 0:
				frames <- current
				current = streamedEvent{}
			}
		}
	}()
	return frames
}

func nextFrame(s *suite.Suite, frames <-chan streamedEvent) streamedEvent {
	select {
	case frame, ok := <-frames:
		s.Require().True(ok, "stream closed unexpectedly")
		return frame
	case <-time.After(10 * time.Second):
		s.Require().Fail("timeout waiting for stream event")
		return streamedEvent{}
	}
}

func (s *TodoPipelineTestSuite) TestPermissionFilteredPipeline() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u1Frames := s.openStream(ctx, "u1-token")
	u2Frames := s.openStream(ctx, "u2-token")

	// both streams start with a control frame
	control := nextFrame(&s.Suite, u1Frames)
	s.Equal("control", control.event)
	control = nextFrame(&s.Suite, u2Frames)
	s.Equal("control", control.event)

	// u1 creates a todo; the owner property is filled in automatically
	response, body := s.request(http.MethodPost, "/todos", "u1-token", todo{Title: "laundry"})
	s.Require().Equal(http.StatusCreated, response.StatusCode, string(body))
	created := todo{}
	s.Require().NoError(json.Unmarshal(body, &created))
	s.Equal("u1", created.UserID)

	path := "/todos/" + created.TodoID.String()

	// u2 may not touch it
	response, _ = s.request(http.MethodPut, path, "u2-token", todo{Title: "hijacked"})
	s.Equal(http.StatusForbidden, response.StatusCode)

	// u1 updates and deletes it
	created.Done = true
	response, body = s.request(http.MethodPut, path, "u1-token", created)
	s.Require().Equal(http.StatusOK, response.StatusCode, string(body))

	response, _ = s.request(http.MethodDelete, path, "u1-token", nil)
	s.Require().Equal(http.StatusNoContent, response.StatusCode)

	// u1 observes all three events, in commit order with increasing sequence
	frame := nextFrame(&s.Suite, u1Frames)
	s.Equal("create", frame.event)
	s.Contains(frame.data, created.TodoID.String())
	sequence := frame.sequence

	frame = nextFrame(&s.Suite, u1Frames)
	s.Equal("update", frame.event)
	s.Greater(frame.sequence, sequence)
	sequence = frame.sequence

	frame = nextFrame(&s.Suite, u1Frames)
	s.Equal("delete", frame.event)
	s.Greater(frame.sequence, sequence)
	s.Contains(frame.data, `"title":"laundry"`, "delete carries the pre-deletion snapshot")

	// u2 saw nothing of it: todo reads are owner-only and denied events are
	// omitted without a trace
	select {
	case frame := <-u2Frames:
		s.Failf("unexpected event", "u2 received %s event: %s", frame.event, frame.data)
	case <-time.After(2 * time.Second):
	}
}

func (s *TodoPipelineTestSuite) TestRejectedWritesEmitNothing() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := s.openStream(ctx, "u1-token")
	control := nextFrame(&s.Suite, frames)
	s.Require().Equal("control", control.event)

	// anonymous and foreign writes are rejected before any transaction commits
	response, _ := s.request(http.MethodPost, "/todos", "", todo{Title: "anonymous"})
	s.Equal(http.StatusForbidden, response.StatusCode)

	select {
	case frame := <-frames:
		s.Failf("unexpected event", "received %s event: %s", frame.event, frame.data)
	case <-time.After(2 * time.Second):
	}
}

func (s *TodoPipelineTestSuite) TestKafkaExport() {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{s.kafkaAddr},
		Topic:    eventTopic,
		GroupID:  fmt.Sprintf("export-test-%d", time.Now().UnixNano()),
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	title := fmt.Sprintf("exported-%d", time.Now().UnixNano())
	response, body := s.request(http.MethodPost, "/todos", "u1-token", todo{Title: title})
	s.Require().Equal(http.StatusCreated, response.StatusCode, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for {
		message, err := reader.ReadMessage(ctx)
		s.Require().NoError(err, "no exported event arrived on kafka")
		s.Equal("todo", string(message.Key))
		if strings.Contains(string(message.Value), title) {
			break
		}
	}
}

func (s *TodoPipelineTestSuite) TestChangeHandlerSeesEverything() {
	seen := make(chan backend.Event, 8)
	s.HandleChanges("todo", func(ctx context.Context, ev backend.Event) error {
		seen <- ev
		return nil
	})

	// the handler runs on the unfiltered privileged path: it observes the
	// committed event no matter which identity caused it
	response, body := s.request(http.MethodPost, "/todos", "u2-token", todo{Title: "handled"})
	s.Require().Equal(http.StatusCreated, response.StatusCode, string(body))

	select {
	case ev := <-seen:
		s.Equal("todo", ev.Resource)
		s.Contains(string(ev.Payload), `"title":"handled"`)
	case <-time.After(5 * time.Second):
		s.Require().Fail("change handler was not invoked")
	}
}
