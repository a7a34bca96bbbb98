package responsewire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/stream"
)

// eventStream decodes the responses SSE frame format and emits canonical
// events. The wire interleaves `event:` names with `data:` payloads; the
// payload also repeats the type, which wins when present.
type eventStream struct {
	out       chan<- stream.Event
	eventName string
	done      bool
}

func newEventStream(out chan<- stream.Event) *eventStream {
	return &eventStream{out: out}
}

// consume reads frames until response.completed, a wire error, or EOF.
// Returning nil with done=false means the connection dropped mid-stream.
func (s *eventStream) consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialStreamBufSize), maxStreamLineBytes)
	var dataBuf strings.Builder

	flush := func() error {
		if dataBuf.Len() == 0 {
			return nil
		}
		payload := strings.TrimSpace(dataBuf.String())
		dataBuf.Reset()
		name := s.eventName
		s.eventName = ""
		if payload == "" || payload == "[DONE]" {
			return nil
		}
		var env streamEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return fmt.Errorf("decode responses stream frame: %w", err)
		}
		if env.Type == "" {
			env.Type = name
		}
		return s.processFrame(env)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			if s.done {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			s.eventName = strings.TrimSpace(line[6:])
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimSpace(line[5:]))
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if !s.done {
		return retry.Transient("responses stream ended before response.completed")
	}
	return nil
}

func (s *eventStream) processFrame(env streamEnvelope) error {
	switch env.Type {
	case eventOutputItemAdded:
		if env.Item != nil {
			if it, ok := fromWireItem(*env.Item); ok {
				s.out <- stream.ItemStarted(it)
			}
		}
	case eventOutputItemDone:
		if env.Item != nil {
			if it, ok := fromWireItem(*env.Item); ok {
				s.out <- stream.ItemCompleted(it)
			}
		}
	case eventCompleted:
		var usage stream.Usage
		var responseID string
		if env.Response != nil {
			responseID = env.Response.ID
			if env.Response.Usage != nil {
				usage = stream.Usage{
					InputTokens:  env.Response.Usage.InputTokens,
					OutputTokens: env.Response.Usage.OutputTokens,
				}
			}
		}
		s.done = true
		s.out <- stream.Done(responseID, usage)
	case eventFailed, eventError:
		s.done = true
		werr := env.Error
		if werr == nil && env.Response != nil {
			werr = env.Response.Error
		}
		if werr == nil {
			werr = &wireError{Message: "backend reported failure without detail"}
		}
		return classifyWireError(werr)
	}
	return nil
}

// classifyWireError maps a wire error body onto the retry taxonomy using
// its type/code; the message text is preserved for retry-after parsing.
func classifyWireError(werr *wireError) error {
	msg := fmt.Sprintf("responses backend: %s", werr.Message)
	switch {
	case werr.Type == "rate_limit_error" || werr.Code == "rate_limit_exceeded":
		return retry.RateLimited("%s", msg)
	case werr.Type == "overloaded_error" || werr.Type == "server_error" || werr.Code == "server_error":
		return retry.Transient("%s", msg)
	default:
		return retry.Fatal("%s", msg)
	}
}
