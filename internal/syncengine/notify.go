package syncengine

import (
	"context"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Notification is a server push message. Sync-related messages carry type
// "sync"; the rest are user-facing and forwarded to OnMessage.
type Notification struct {
	Type  string         `json:"type"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Subscriber keeps a websocket open to the server's notification feed and
// kicks the runner when the server announces new data. A successful
// (re)connect also kicks: regaining the connection is the strongest
// available signal that the network is back.
type Subscriber struct {
	URL       string
	Token     string
	Runner    *Runner
	OnMessage func(Notification)
	Logger    Logger

	// Backoff caps the reconnect delay. Zero means the 1m default.
	Backoff time.Duration
}

// Run dials and reads until ctx is done, reconnecting with linear backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	maxDelay := s.Backoff
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	delay := time.Second
	for {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logf("notification feed disconnected: %v (retrying in %s)", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay += time.Second
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (s *Subscriber) listen(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if s.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + s.Token},
		}
	}
	conn, _, err := websocket.Dial(ctx, s.URL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.logf("notification feed connected")
	if s.Runner != nil {
		// Push whatever queued up during the outage, then catch up on
		// whatever the server broadcast while we were away.
		s.Runner.Kick()
		s.Runner.KickPull()
	}

	for {
		var note Notification
		if err := wsjson.Read(ctx, conn, &note); err != nil {
			return err
		}
		if strings.EqualFold(note.Type, "sync") || strings.EqualFold(note.Tag, "sync") {
			if s.Runner != nil {
				s.Runner.KickPull()
			}
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(note)
		}
	}
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, args...)
}
