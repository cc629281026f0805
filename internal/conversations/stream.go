package conversations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
)

const (
	reasonMissingSubscriber = "missing_subscriber"
	reasonDecodeFailed      = "decode_failed"
	defaultStreamPageSize   = 100
)

var errMissingSubscriber = errors.New("event subscriber is required")

type streamOptions struct {
	pageSize  int
	onControl func(realtime.Event)
}

// StreamOption customises StreamSince.
type StreamOption func(*streamOptions)

// WithPageSize bounds each storage read made while replaying.
func WithPageSize(size int) StreamOption {
	return func(options *streamOptions) {
		if size > 0 {
			options.pageSize = size
		}
	}
}

// WithControlHandler receives purge, view and typing events of the conversation.
// The handler runs on the stream goroutine and must not block.
func WithControlHandler(handler func(realtime.Event)) StreamOption {
	return func(options *streamOptions) {
		options.onControl = handler
	}
}

// Stream is a live, ordered view of one conversation log. Messages arrive in
// commit order without duplicates; Checkpoint can seed a later StreamSince.
type Stream struct {
	conversationID string
	messages       chan Message
	cancel         context.CancelFunc
	done           chan struct{}
	checkpoint     atomic.Int64
	closeOnce      sync.Once

	mu  sync.Mutex
	err error
}

// Messages yields committed messages until the stream is closed or fails.
func (s *Stream) Messages() <-chan Message {
	return s.messages
}

// Err reports the failure that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Checkpoint is the timestamp of the last delivered message.
func (s *Stream) Checkpoint() int64 {
	return s.checkpoint.Load()
}

// Close unsubscribes and waits until no further message can be delivered.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once the stream goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// StreamSince replays messages committed after afterMs (zero replays the whole
// log) and then follows the conversation live. The live subscription is opened
// before the replay so nothing committed in between is missed; a live event that
// skips a sequence number is repaired from storage.
func (s *Service) StreamSince(ctx context.Context, conversationID string, afterMs int64, options ...StreamOption) (*Stream, error) {
	if s.db == nil {
		return nil, apperrors.Transient(opStream, reasonMissingDatabase, errMissingDatabase)
	}
	if s.subscriber == nil {
		return nil, apperrors.Transient(opStream, reasonMissingSubscriber, errMissingSubscriber)
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	settings := streamOptions{pageSize: defaultStreamPageSize}
	for _, option := range options {
		option(&settings)
	}
	if afterMs < 0 {
		afterMs = 0
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events, release := s.subscriber.Subscribe(streamCtx, realtime.ConversationTopic(conversationID))

	stream := &Stream{
		conversationID: conversationID,
		messages:       make(chan Message),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	stream.checkpoint.Store(afterMs)

	go func() {
		defer close(stream.done)
		defer close(stream.messages)
		defer release()
		s.runStream(streamCtx, stream, events, settings)
	}()
	return stream, nil
}

func (s *Service) runStream(ctx context.Context, stream *Stream, events <-chan realtime.Event, settings streamOptions) {
	conversationID := stream.conversationID
	lastSeq, err := s.lastSeqAtOrBefore(ctx, conversationID, stream.Checkpoint())
	if err != nil {
		if ctx.Err() == nil {
			stream.fail(err)
		}
		return
	}

	emit := func(message Message) bool {
		if message.Seq <= lastSeq {
			return true
		}
		select {
		case stream.messages <- message:
		case <-ctx.Done():
			return false
		}
		lastSeq = message.Seq
		stream.checkpoint.Store(message.CreatedAtMs)
		return true
	}

	for {
		page, err := s.History(ctx, conversationID, stream.Checkpoint(), settings.pageSize)
		if err != nil {
			if ctx.Err() == nil {
				stream.fail(err)
			}
			return
		}
		for _, message := range page {
			if !emit(message) {
				return
			}
		}
		if len(page) < settings.pageSize {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case realtime.EventMessageCreated:
				var message Message
				if err := event.Decode(&message); err != nil {
					s.logError(opStream, reasonDecodeFailed, err, zap.String(fieldConversationID, conversationID))
					continue
				}
				if message.Seq > lastSeq+1 {
					missing, err := s.messagesBetweenSeq(ctx, conversationID, lastSeq, message.Seq)
					if err != nil {
						if ctx.Err() == nil {
							stream.fail(err)
						}
						return
					}
					for _, earlier := range missing {
						if !emit(earlier) {
							return
						}
					}
				}
				if !emit(message) {
					return
				}
			case realtime.EventConversationPurged, realtime.EventMessageViewed, realtime.EventAssistantTyping:
				if settings.onControl != nil {
					settings.onControl(event)
				}
			}
		}
	}
}
