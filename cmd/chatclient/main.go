// Command chatclient is a line-oriented terminal client. It keeps a push
// connection open with automatic reconnects and mirrors server events into
// a local chat view.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/api"
	"github.com/whisper/chatsync/internal/apiclient"
	"github.com/whisper/chatsync/internal/client"
	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/logging"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/reconcile"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "chatclient",
		Short:        "Terminal chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Client.Token == "" {
				return fmt.Errorf("chatclient: CHAT_TOKEN is not set")
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type session struct {
	out    io.Writer
	api    *apiclient.Client
	conn   *client.Manager
	state  *reconcile.State
	typing *client.TypingIndicator
	silent time.Duration
	log    zerolog.Logger
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpAPI := apiclient.New(cfg.Client.APIURL, cfg.Client.Token, 10*time.Second)

	mcfg := client.DefaultConfig(cfg.Client.URL, cfg.Client.Token)
	mcfg.ReconnectBase = cfg.Client.ReconnectBase
	mcfg.MaxReconnectAttempts = cfg.Client.MaxReconnectAttempts
	conn := client.NewManager(mcfg, client.WebSocketDialer(cfg.Server.WriteTimeout), nil, logging.Component(log, "conn"))

	state := reconcile.New(httpAPI, reconcile.Effects{
		Logout: func() {
			fmt.Fprintln(out, "! account blocked, signing out")
			cancel()
		},
		Navigate: func(route string) { log.Debug().Str("route", route).Msg("navigate") },
	}, nil, reconcile.Options{}, logging.Component(log, "state"))

	s := &session{
		out:    out,
		api:    httpAPI,
		conn:   conn,
		state:  state,
		silent: cfg.Client.TypingTimeout,
		log:    log,
	}

	conn.Subscribe(state.Handle)
	conn.Subscribe(s.print)
	conn.OnConnect(func(ctx context.Context) {
		if err := state.Resync(ctx); err != nil {
			log.Warn().Err(err).Msg("resync failed")
		}
	})
	conn.OnStateChange(func(st client.State) {
		fmt.Fprintf(out, "* %s\n", st)
	})
	state.OnBlockTrigger(func(uint64) {
		active := state.Active()
		peer := active.PeerID
		if peer == "" {
			return
		}
		if bs, err := state.BlockStatus(ctx, peer); err == nil && (bs.BlockedByMe || bs.BlockedMe) {
			fmt.Fprintf(out, "* messaging %s is blocked\n", peer)
		}
	})

	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}
	defer conn.Destroy()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.closeTyping()
			return nil
		case line, ok := <-lines:
			if !ok {
				s.closeTyping()
				return nil
			}
			if quit := s.command(ctx, strings.TrimSpace(line)); quit {
				s.closeTyping()
				return nil
			}
		}
	}
}

func (s *session) closeTyping() {
	if s.typing != nil {
		s.typing.Teardown()
		s.typing = nil
	}
}

// selectTarget switches the active conversation and rebinds the typing
// indicator to it.
func (s *session) selectTarget(ctx context.Context, t reconcile.Target) {
	s.closeTyping()
	if err := s.state.Select(ctx, t); err != nil {
		fmt.Fprintf(s.out, "! %v\n", err)
		return
	}
	s.typing = client.NewTypingIndicator(s.conn, protocol.TypingTarget{
		ConversationID: t.ConversationID,
		ReceiverID:     t.PeerID,
	}, nil, s.silent)
	for _, m := range s.state.Messages() {
		fmt.Fprintf(s.out, "  %s: %s\n", m.Sender.DisplayName, m.Content)
	}
}

const help = `commands:
  /list               list conversations
  /open <id>          open a conversation
  /dm <userId>        open a direct chat
  /read               mark the open conversation read
  /block <userId>     block a user
  /unblock <userId>   unblock a user
  /online             show online users
  /quit               exit
anything else is sent to the open conversation`

func (s *session) command(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	arg := func() string {
		if len(fields) > 1 {
			return fields[1]
		}
		return ""
	}

	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		fmt.Fprintln(s.out, help)
	case "/list":
		for _, c := range s.state.Conversations() {
			name := c.GroupName
			if !c.IsGroup {
				name = strings.Join(c.ParticipantIDs(), ", ")
			}
			fmt.Fprintf(s.out, "  %s  %s  unread=%d\n", c.ID, name, c.UnreadCount[s.state.Self()])
		}
	case "/open":
		s.selectTarget(ctx, reconcile.Target{ConversationID: arg()})
	case "/dm":
		s.selectTarget(ctx, s.directTarget(arg()))
	case "/read":
		id := s.state.Active().ConversationID
		if id == "" {
			fmt.Fprintln(s.out, "! no persisted conversation open")
			return false
		}
		if err := s.conn.Send(&protocol.ConversationReadMsg{ConversationID: id}); err != nil {
			fmt.Fprintf(s.out, "! %v\n", err)
		}
	case "/block", "/unblock":
		var err error
		if fields[0] == "/block" {
			err = s.api.Block(ctx, arg())
		} else {
			err = s.api.Unblock(ctx, arg())
		}
		if err != nil {
			fmt.Fprintf(s.out, "! %v\n", err)
		}
	case "/online":
		fmt.Fprintf(s.out, "  %s\n", strings.Join(s.state.OnlineUsers(), ", "))
	default:
		s.send(ctx, line)
	}
	return false
}

// directTarget reuses an existing direct conversation with peer when one is
// loaded.
func (s *session) directTarget(peer string) reconcile.Target {
	self := s.state.Self()
	for _, c := range s.state.Conversations() {
		if !c.IsGroup && c.IsParticipant(peer) && c.IsParticipant(self) {
			return reconcile.Target{ConversationID: c.ID, PeerID: peer}
		}
	}
	return reconcile.Target{PeerID: peer}
}

func (s *session) send(ctx context.Context, text string) {
	active := s.state.Active()
	if active.ConversationID == "" && active.PeerID == "" {
		fmt.Fprintln(s.out, "! open a conversation first (/help)")
		return
	}
	if s.typing != nil {
		s.typing.Keystroke()
	}

	req := api.CreateMessageRequest{Content: text}
	if active.ConversationID != "" {
		req.ConversationID = active.ConversationID
	} else {
		req.ReceiverID = active.PeerID
	}
	_, err := s.api.SendMessage(ctx, req)
	if s.typing != nil {
		s.typing.Teardown()
	}
	if err != nil {
		fmt.Fprintf(s.out, "! %v\n", err)
	}
}

// print renders the events a terminal user cares about.
func (s *session) print(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.NewMessageMsg:
		fmt.Fprintf(s.out, "[%s] %s: %s\n", short(e.Message.ConversationID), e.Message.Sender.DisplayName, e.Message.Content)
	case *protocol.UserTypingMsg:
		if e.IsTyping {
			fmt.Fprintf(s.out, "  %s is typing...\n", e.UserID)
		}
	case *protocol.UserStatusMsg:
		status := "offline"
		if e.Online {
			status = "online"
		}
		fmt.Fprintf(s.out, "* %s is %s\n", e.UserID, status)
	case *protocol.RemovedFromGroupMsg:
		fmt.Fprintf(s.out, "* removed from %s\n", short(e.ConversationID))
	case *protocol.AccountBlockedMsg:
		fmt.Fprintf(s.out, "! account blocked: %s\n", e.Reason)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
