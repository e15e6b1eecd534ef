package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowDialer creates whatsmeow-backed sockets. Each instance keeps its
// credentials in its own sqlite store under rootDir/<name>/session.db, so
// deleting the directory fully erases the pairing.
type WhatsmeowDialer struct {
	logger   *log.Logger
	rootDir  string
	waLogLvl string
}

func NewWhatsmeowDialer(logger *log.Logger, rootDir string) *WhatsmeowDialer {
	return &WhatsmeowDialer{
		logger:   logger,
		rootDir:  rootDir,
		waLogLvl: "ERROR",
	}
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, name string) (Socket, error) {
	dir := filepath.Join(d.rootDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating session directory")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "session.db"))
	container, err := sqlstore.New("sqlite3", dsn, waLog.Stdout("Database", d.waLogLvl, false))
	if err != nil {
		return nil, errors.Wrap(err, "opening session store")
	}

	deviceStore, err := container.GetFirstDevice()
	if err != nil {
		return nil, errors.Wrap(err, "loading device store")
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", d.waLogLvl, false))
	// Reconnection policy is owned by the supervisor, not the protocol client.
	client.EnableAutoReconnect = false

	return &meowSocket{
		name:    name,
		logger:  d.logger.With("instance", name),
		client:  client,
		aliases: cache.New(aliasCacheTTL, aliasCacheSweep),
	}, nil
}

type meowSocket struct {
	name    string
	logger  *log.Logger
	client  *whatsmeow.Client
	handler func(Event)
	aliases *cache.Cache
}

var (
	_ Socket        = (*meowSocket)(nil)
	_ AliasResolver = (*meowSocket)(nil)
)

func (s *meowSocket) SetHandler(fn func(Event)) {
	s.handler = fn
	s.client.AddEventHandler(s.translate)
}

func (s *meowSocket) emit(ev Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

func (s *meowSocket) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			if !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
				return errors.Wrap(err, "getting QR channel")
			}
		} else {
			go s.forwardQR(qrChan)
		}
	}
	if err := s.client.Connect(); err != nil {
		return errors.Wrap(err, "connecting")
	}
	return nil
}

func (s *meowSocket) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(PairingCodeEvent{Code: item.Code})
		case "timeout":
			// The client disconnects itself on QR timeout; report it so the
			// supervisor can schedule a fresh pairing cycle.
			s.emit(ClosedEvent{Reason: "qr timeout"})
		case "success":
			s.logger.Debug("QR pairing succeeded")
		default:
			s.logger.Debug("Login event", "event", item.Event)
		}
	}
}

func (s *meowSocket) Close() {
	s.client.Disconnect()
}

func (s *meowSocket) Logout(ctx context.Context) error {
	if err := s.client.Logout(); err != nil {
		return errors.Wrap(err, "logging out")
	}
	return nil
}

func (s *meowSocket) Connected() bool {
	return s.client.IsConnected()
}

func (s *meowSocket) LoggedIn() bool {
	return s.client.IsLoggedIn()
}

func (s *meowSocket) SelfID() (string, string) {
	id := s.client.Store.ID
	if id == nil {
		return "", ""
	}
	return id.User, s.client.Store.PushName
}

func (s *meowSocket) SendText(ctx context.Context, to string, text string) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", errors.Wrap(err, "sending text message")
	}
	return resp.ID, nil
}

func (s *meowSocket) SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}

	var mediaType whatsmeow.MediaType
	switch media.Kind {
	case "image":
		mediaType = whatsmeow.MediaImage
	case "audio":
		mediaType = whatsmeow.MediaAudio
	case "video":
		mediaType = whatsmeow.MediaVideo
	case "document":
		mediaType = whatsmeow.MediaDocument
	default:
		return "", errors.Errorf("unsupported media kind %q", media.Kind)
	}

	uploaded, err := s.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return "", errors.Wrap(err, "uploading media")
	}

	length := uint64(len(media.Data))
	msg := &waE2E.Message{}
	switch media.Kind {
	case "image":
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	case "audio":
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(media.Mimetype),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	case "video":
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	case "document":
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(media.Filename),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", errors.Wrap(err, "sending media message")
	}
	return resp.ID, nil
}

func (s *meowSocket) SendPresence(ctx context.Context, available bool) error {
	state := types.PresenceAvailable
	if !available {
		state = types.PresenceUnavailable
	}
	return s.client.SendPresence(state)
}

func (s *meowSocket) ProfilePictureURL(ctx context.Context, target string) (string, error) {
	jid, err := parseJID(target)
	if err != nil {
		return "", err
	}
	info, err := s.client.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", errors.Wrap(err, "fetching profile picture")
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (s *meowSocket) Groups(ctx context.Context) ([]GroupInfo, error) {
	groups, err := s.client.GetJoinedGroups()
	if err != nil {
		return nil, errors.Wrap(err, "fetching joined groups")
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			JID:          g.JID.String(),
			Name:         g.Name,
			Participants: len(g.Participants),
		})
	}
	return out, nil
}

func (s *meowSocket) translate(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		s.emit(OpenedEvent{})
	case *events.Disconnected:
		s.emit(ClosedEvent{Reason: "connection lost"})
	case *events.StreamReplaced:
		s.emit(ClosedEvent{Reason: "stream replaced by another session"})
	case *events.LoggedOut:
		s.emit(ClosedEvent{Reason: evt.Reason.String(), Permanent: true})
	case *events.ConnectFailure:
		s.emit(ClosedEvent{
			Reason:    evt.Reason.String(),
			Permanent: evt.Reason.IsLoggedOut() || evt.Reason == events.ConnectFailureTempBanned,
		})
	case *events.TemporaryBan:
		s.emit(ClosedEvent{
			Reason:    fmt.Sprintf("temporarily banned: %s (expires in %s)", evt.Code, evt.Expire),
			Permanent: true,
		})
	case *events.Message:
		s.emit(s.buildMessageEvent(evt))
	case *events.Receipt:
		ids := make([]string, 0, len(evt.MessageIDs))
		for _, id := range evt.MessageIDs {
			ids = append(ids, string(id))
		}
		receiptType := string(evt.Type)
		if receiptType == "" {
			receiptType = "delivery"
		}
		s.emit(ReceiptEvent{
			MessageIDs: ids,
			Chat:       evt.Chat.String(),
			Sender:     evt.Sender.String(),
			Type:       receiptType,
			Timestamp:  evt.Timestamp,
		})
	case *events.Presence:
		s.emit(PresenceEvent{
			From:        evt.From.String(),
			Unavailable: evt.Unavailable,
			LastSeen:    evt.LastSeen,
		})
	case *events.HistorySync:
		s.emit(s.buildHistoryEvent(evt))
	}
}

func (s *meowSocket) buildMessageEvent(evt *events.Message) MessageEvent {
	out := MessageEvent{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		PushName:  evt.Info.PushName,
		Kind:      KindNotify,
		Timestamp: evt.Info.Timestamp,
		FromMe:    evt.Info.IsFromMe,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		out.SenderAlt = evt.Info.SenderAlt.String()
		s.recordAlias(evt.Info.Sender, evt.Info.SenderAlt)
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		out.Type = "text"
		out.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		out.Type = "text"
		out.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		out.Type = "image"
		out.Text = img.GetCaption()
		out.Media = s.mediaRef("image", img.GetMimetype(), "", img)
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		out.Type = "audio"
		out.Media = s.mediaRef("audio", audio.GetMimetype(), "", audio)
	case msg.GetVideoMessage() != nil:
		video := msg.GetVideoMessage()
		out.Type = "video"
		out.Text = video.GetCaption()
		out.Media = s.mediaRef("video", video.GetMimetype(), "", video)
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		out.Type = "document"
		out.Text = doc.GetCaption()
		out.Media = s.mediaRef("document", doc.GetMimetype(), doc.GetFileName(), doc)
	case msg.GetStickerMessage() != nil:
		sticker := msg.GetStickerMessage()
		out.Type = "sticker"
		out.Media = s.mediaRef("sticker", sticker.GetMimetype(), "", sticker)
	default:
		out.Type = "unknown"
	}
	return out
}

func (s *meowSocket) mediaRef(kind, mimetype, filename string, msg whatsmeow.DownloadableMessage) *MediaRef {
	return &MediaRef{
		Kind:     kind,
		Mimetype: mimetype,
		Filename: filename,
		Download: func(ctx context.Context) ([]byte, error) {
			return s.client.Download(msg)
		},
	}
}

func (s *meowSocket) buildHistoryEvent(evt *events.HistorySync) HistorySyncEvent {
	var out HistorySyncEvent
	for _, conversation := range evt.Data.GetConversations() {
		chatID := conversation.GetID()
		if chatID == "" {
			continue
		}
		for _, historyMsg := range conversation.GetMessages() {
			webMsg := historyMsg.GetMessage()
			if webMsg == nil || webMsg.GetKey() == nil {
				continue
			}
			text := webMsg.GetMessage().GetConversation()
			if text == "" {
				text = webMsg.GetMessage().GetExtendedTextMessage().GetText()
			}
			if text == "" {
				continue
			}
			out.Messages = append(out.Messages, MessageEvent{
				ID:        webMsg.GetKey().GetID(),
				Chat:      chatID,
				Sender:    webMsg.GetParticipant(),
				Kind:      KindHistory,
				Type:      "text",
				Text:      text,
				Timestamp: timestampFromUnix(webMsg.GetMessageTimestamp()),
				FromMe:    webMsg.GetKey().GetFromMe(),
			})
		}
	}
	return out
}

func parseJID(arg string) (types.JID, error) {
	if arg == "" {
		return types.JID{}, errors.New("empty recipient")
	}
	if arg[0] == '+' {
		arg = arg[1:]
	}
	if !strings.ContainsRune(arg, '@') {
		return types.NewJID(arg, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(arg)
	if err != nil {
		return types.JID{}, errors.Wrapf(err, "invalid JID %q", arg)
	}
	if jid.User == "" {
		return types.JID{}, errors.Errorf("invalid JID %q: no user part", arg)
	}
	return jid, nil
}
