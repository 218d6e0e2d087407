package devserver

import (
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/feed"
)

var errNotMember = errors.New("not a member of the conversation")

// realtime serves one websocket client. The client sends subscribe and
// unsubscribe frames; changes on subscribed conversations are pushed back
// as change frames.
func (s *Server) realtime(conn *websocket.Conn) {
	user, _ := conn.Locals(localUserID).(string)
	log := s.logger.With(zap.String("user_id", user))
	log.Debug("realtime connected")

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
		subs    = make(map[int64]func())
	)
	write := func(f feed.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	defer func() {
		for _, stop := range subs {
			stop()
		}
		wg.Wait()
		log.Debug("realtime disconnected")
	}()

	for {
		var f feed.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case feed.FrameSubscribe:
			if _, ok := subs[f.ConversationID]; ok {
				continue
			}
			ok, err := s.db.IsMember(f.ConversationID, user)
			if err != nil || !ok {
				log.Debug("subscribe rejected",
					zap.Int64("conversation_id", f.ConversationID),
					zap.Error(errNotMember),
				)
				continue
			}
			ch, stop := s.hub.Subscribe(f.ConversationID)
			subs[f.ConversationID] = stop
			wg.Add(1)
			go func() {
				defer wg.Done()
				for c := range ch {
					if err := write(feed.ChangeFrame(c)); err != nil {
						log.Debug("realtime write failed", zap.Error(err))
						return
					}
				}
			}()
		case feed.FrameUnsubscribe:
			if stop, ok := subs[f.ConversationID]; ok {
				stop()
				delete(subs, f.ConversationID)
			}
		}
	}
}
