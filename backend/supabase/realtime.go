package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"todocal/backend"
	"todocal/internal/utils"
)

// phoenixMessage is a frame of the Phoenix channel protocol (vsn 1.0.0)
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

type postgresChangesConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []postgresChangesConfig `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp string          `json:"commit_timestamp"`
	} `json:"data"`
}

// realtimeSubscription is one joined channel on its own socket
type realtimeSubscription struct {
	conn   *websocket.Conn
	topic  string
	table  backend.Table
	events chan backend.ChangeEvent
	ref    atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Subscribe joins the realtime channel for table. filter is passed to the
// server as the postgres_changes filter, e.g. "user_id=eq.<id>".
func (b *Backend) Subscribe(ctx context.Context, table backend.Table, filter string) (backend.Subscription, error) {
	token, err := b.AccessToken()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, b.realtimeURL(), nil)
	if err != nil {
		return nil, &backend.RemoteError{Op: "subscribe", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	sub := &realtimeSubscription{
		conn:   conn,
		topic:  "realtime:" + string(table) + "-channel",
		table:  table,
		events: make(chan backend.ChangeEvent, 64),
		done:   make(chan struct{}),
	}
	if err := sub.join(ctx, token, filter); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, &backend.RemoteError{Op: "subscribe", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	go sub.run(runCtx, b.config.HeartbeatInterval)
	return sub, nil
}

func (b *Backend) realtimeURL() string {
	q := url.Values{}
	q.Set("apikey", b.config.AnonKey)
	q.Set("vsn", "1.0.0")
	return b.baseURL + realtimePath + "?" + q.Encode()
}

// join sends phx_join and waits for the ok reply
func (s *realtimeSubscription) join(ctx context.Context, token, filter string) error {
	var payload joinPayload
	payload.Config.PostgresChanges = []postgresChangesConfig{{
		Event: "*", Schema: "public", Table: string(s.table), Filter: filter,
	}}
	payload.AccessToken = token

	ref, err := s.send(ctx, s.topic, eventJoin, payload)
	if err != nil {
		return err
	}

	for {
		msg, err := s.read(ctx)
		if err != nil {
			return err
		}
		if msg.Event != eventReply || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return err
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s %s", s.topic, reply.Status, string(reply.Response))
		}
		return nil
	}
}

// run reads frames and sends heartbeats until the context ends or the socket fails
func (s *realtimeSubscription) run(parent context.Context, heartbeat time.Duration) {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.send(ctx, "phoenix", eventHeartbeat, struct{}{}); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			msg, err := s.read(ctx)
			if err != nil {
				return err
			}
			switch msg.Event {
			case eventChanges:
				ev, err := decodeChange(s.table, msg.Payload)
				if err != nil {
					utils.Debugf("realtime %s: skipping frame: %v", s.table, err)
					continue
				}
				select {
				case s.events <- ev:
				case <-ctx.Done():
					return nil
				}
			case eventError, eventClose:
				if msg.Topic == s.topic {
					return fmt.Errorf("channel %s closed by server (%s)", s.topic, msg.Event)
				}
			}
		}
	})

	err := g.Wait()
	if parent.Err() == nil {
		s.err = err
	}
	close(s.events)
	close(s.done)
}

func (s *realtimeSubscription) send(ctx context.Context, topic, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ref := strconv.FormatInt(s.ref.Add(1), 10)
	msg := phoenixMessage{Topic: topic, Event: event, Payload: data, Ref: &ref}
	if topic == s.topic {
		msg.JoinRef = &ref
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return ref, s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *realtimeSubscription) read(ctx context.Context) (*phoenixMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg phoenixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}

// Events implements backend.Subscription
func (s *realtimeSubscription) Events() <-chan backend.ChangeEvent {
	return s.events
}

// Unsubscribe leaves the channel and closes the socket
func (s *realtimeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = s.send(ctx, s.topic, eventLeave, struct{}{})
		s.cancel()
		<-s.done
		_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return nil
}

// Err returns why the subscription ended on its own, if it did
func (s *realtimeSubscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// decodeChange converts a postgres_changes payload into a ChangeEvent
func decodeChange(table backend.Table, raw json.RawMessage) (backend.ChangeEvent, error) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return backend.ChangeEvent{}, err
	}

	ev := backend.ChangeEvent{Table: table, Type: backend.EventType(strings.ToUpper(p.Data.Type))}
	if p.Data.Table != "" {
		ev.Table = backend.Table(p.Data.Table)
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
		ev.CommitTime = ts
	}

	switch ev.Type {
	case backend.EventInsert, backend.EventUpdate, backend.EventDelete:
	default:
		return backend.ChangeEvent{}, fmt.Errorf("unknown change type %q", p.Data.Type)
	}

	switch ev.Table {
	case backend.TableLists:
		var err error
		if ev.NewList, err = decodeRecord[wireList](p.Data.Record, wireList.toList); err != nil {
			return backend.ChangeEvent{}, err
		}
		if ev.OldList, err = decodeRecord[wireList](p.Data.OldRecord, wireList.toList); err != nil {
			return backend.ChangeEvent{}, err
		}
		// realtime rows never carry embedded tasks
		if ev.NewList != nil {
			ev.NewList.Tasks = nil
		}
		if ev.OldList != nil {
			ev.OldList.Tasks = nil
		}
	case backend.TableTasks:
		var err error
		if ev.NewTask, err = decodeRecord[wireTask](p.Data.Record, wireTask.toTask); err != nil {
			return backend.ChangeEvent{}, err
		}
		if ev.OldTask, err = decodeRecord[wireTask](p.Data.OldRecord, wireTask.toTask); err != nil {
			return backend.ChangeEvent{}, err
		}
	default:
		return backend.ChangeEvent{}, fmt.Errorf("unknown table %q", ev.Table)
	}
	return ev, nil
}

// decodeRecord decodes a row; empty or id-less records yield nil
func decodeRecord[W any, T any](raw json.RawMessage, convert func(W) T) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}
	var w W
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	v := convert(w)
	return &v, nil
}
