package meow

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/go-go-golems/marionette/pkg/automation"
)

// Acknowledgement levels mirror the numbering chat clients display: one
// tick for sent, two for delivered, blue for read.
const (
	ackDelivered = 2
	ackRead      = 3
)

// route translates raw engine events into the gateway's event vocabulary.
// It runs on whatsmeow's event dispatch goroutine, so emissions preserve
// the engine's ordering per session.
func (c *Client) route(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.mu.Lock()
		c.qr = ""
		c.mu.Unlock()
		c.emit(automation.EventAuthenticated, map[string]any{})
		c.emit(automation.EventReady, map[string]any{})
		c.emit(automation.EventChangeState, map[string]any{"state": string(automation.StateConnected)})

	case *events.PairSuccess:
		c.emit(automation.EventAuthenticated, map[string]any{"id": e.ID.String(), "platform": e.Platform})

	case *events.Disconnected:
		c.emit(automation.EventDisconnected, map[string]any{"reason": "socket disconnected"})
		c.emit(automation.EventChangeState, map[string]any{"state": string(automation.StateOpening)})

	case *events.LoggedOut:
		c.emit(automation.EventDisconnected, map[string]any{"reason": e.Reason.String()})
		c.fireTermination("logged out: " + e.Reason.String())

	case *events.StreamReplaced:
		c.emit(automation.EventDisconnected, map[string]any{"reason": "stream replaced"})
		c.fireTermination("stream replaced by another client")

	case *events.Message:
		c.routeMessage(e)

	case *events.UndecryptableMessage:
		c.emit(automation.EventMessageCiphertext, map[string]any{
			"id":     string(e.Info.ID),
			"chatId": e.Info.Chat.String(),
			"from":   e.Info.Sender.String(),
		})

	case *events.Receipt:
		c.routeReceipt(e)

	case *events.JoinedGroup:
		c.emit(automation.EventGroupJoin, map[string]any{
			"groupId": e.JID.String(),
			"name":    e.Name,
		})

	case *events.GroupInfo:
		c.routeGroupInfo(e)

	case *events.CallOffer:
		c.emit(automation.EventCall, map[string]any{
			"callId": e.CallID,
			"from":   e.CallCreator.String(),
		})

	case *events.Contact:
		c.emit(automation.EventContactChanged, map[string]any{
			"id":   e.JID.String(),
			"name": e.Action.GetFullName(),
		})

	case *events.PushName:
		c.emit(automation.EventContactChanged, map[string]any{
			"id":       e.JID.String(),
			"pushname": e.NewPushName,
		})

	case *events.DeleteChat:
		c.emit(automation.EventChatRemoved, map[string]any{"chatId": e.JID.String()})

	case *events.Archive:
		c.emit(automation.EventChatArchived, map[string]any{
			"chatId":   e.JID.String(),
			"archived": e.Action.GetArchived(),
		})

	case *events.MarkChatAsRead:
		c.emit(automation.EventUnreadCount, map[string]any{
			"chatId": e.JID.String(),
			"read":   e.Action.GetRead(),
		})
	}
}

func (c *Client) routeMessage(e *events.Message) {
	// Protocol wrappers carry edits and revocations rather than content.
	if pm := e.Message.GetProtocolMessage(); pm != nil {
		switch pm.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			c.emit(automation.EventMessageRevokeEveryone, map[string]any{
				"id":     pm.GetKey().GetID(),
				"chatId": e.Info.Chat.String(),
			})
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			c.emit(automation.EventMessageEdit, map[string]any{
				"id":     pm.GetKey().GetID(),
				"chatId": e.Info.Chat.String(),
				"body":   pm.GetEditedMessage().GetConversation(),
			})
		}
		return
	}
	if rm := e.Message.GetReactionMessage(); rm != nil {
		c.emit(automation.EventMessageReaction, map[string]any{
			"id":       rm.GetKey().GetID(),
			"chatId":   e.Info.Chat.String(),
			"reaction": rm.GetText(),
			"from":     e.Info.Sender.String(),
		})
		return
	}

	msg, hasPayload := messageFromEvent(e)
	if hasPayload {
		c.cacheMedia(msg.ID, e.Message)
	}
	if !e.Info.IsFromMe {
		c.rememberInbound(e.Info.Chat, e.Info.Sender, e.Info.ID)
	}

	t := automation.EventMessage
	if e.Info.IsFromMe {
		t = automation.EventMessageCreate
	}
	c.emit(t, map[string]any{"message": msg})
}

func (c *Client) routeReceipt(e *events.Receipt) {
	var ack int
	switch e.Type {
	case types.ReceiptTypeDelivered:
		ack = ackDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		ack = ackRead
	default:
		return
	}
	ids := make([]string, 0, len(e.MessageIDs))
	for _, id := range e.MessageIDs {
		ids = append(ids, string(id))
	}
	c.emit(automation.EventMessageAck, map[string]any{
		"ack":        ack,
		"messageIds": ids,
		"chatId":     e.Chat.String(),
	})
}

func (c *Client) routeGroupInfo(e *events.GroupInfo) {
	switch {
	case len(e.Join) > 0:
		joined := make([]string, 0, len(e.Join))
		for _, j := range e.Join {
			joined = append(joined, j.String())
		}
		c.emit(automation.EventGroupJoin, map[string]any{
			"groupId": e.JID.String(),
			"joined":  joined,
		})
	case len(e.Leave) > 0:
		left := make([]string, 0, len(e.Leave))
		for _, j := range e.Leave {
			left = append(left, j.String())
		}
		c.emit(automation.EventGroupLeave, map[string]any{
			"groupId": e.JID.String(),
			"left":    left,
		})
	default:
		data := map[string]any{"groupId": e.JID.String()}
		if e.Name != nil {
			data["name"] = e.Name.Name
		}
		c.emit(automation.EventGroupUpdate, data)
	}
}

// messageFromEvent flattens a raw message into the engine-agnostic shape.
// The second return reports whether a downloadable media part is attached.
func messageFromEvent(e *events.Message) (automation.Message, bool) {
	msg := automation.Message{
		ID:        string(e.Info.ID),
		ChatID:    e.Info.Chat.String(),
		From:      e.Info.Sender.String(),
		Timestamp: e.Info.Timestamp.Unix(),
		FromMe:    e.Info.IsFromMe,
	}

	switch {
	case e.Message.GetConversation() != "":
		msg.Body = e.Message.GetConversation()
	case e.Message.GetExtendedTextMessage() != nil:
		msg.Body = e.Message.GetExtendedTextMessage().GetText()
	}

	if img := e.Message.GetImageMessage(); img != nil {
		msg.HasMedia = true
		msg.MediaSize = int64(img.GetFileLength())
		msg.MimeType = img.GetMimetype()
		if msg.Body == "" {
			msg.Body = img.GetCaption()
		}
	} else if vid := e.Message.GetVideoMessage(); vid != nil {
		msg.HasMedia = true
		msg.MediaSize = int64(vid.GetFileLength())
		msg.MimeType = vid.GetMimetype()
		if msg.Body == "" {
			msg.Body = vid.GetCaption()
		}
	} else if aud := e.Message.GetAudioMessage(); aud != nil {
		msg.HasMedia = true
		msg.MediaSize = int64(aud.GetFileLength())
		msg.MimeType = aud.GetMimetype()
	} else if doc := e.Message.GetDocumentMessage(); doc != nil {
		msg.HasMedia = true
		msg.MediaSize = int64(doc.GetFileLength())
		msg.MimeType = doc.GetMimetype()
		if msg.Body == "" {
			msg.Body = doc.GetCaption()
		}
	} else if stk := e.Message.GetStickerMessage(); stk != nil {
		msg.HasMedia = true
		msg.MediaSize = int64(stk.GetFileLength())
		msg.MimeType = stk.GetMimetype()
	}

	return msg, msg.HasMedia
}
