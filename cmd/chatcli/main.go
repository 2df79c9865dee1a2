// Command chatcli is a line-oriented terminal client for direct messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/backend"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/chat"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/config"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/localstore"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/messagestore"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/middleware"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/memory"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/valkey"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/transport"
)

const help = `commands:
  chat <user>          open a conversation with user
  send <text>          send to the current conversation
  typing               signal typing in the current conversation
  read                 mark the current conversation read
  connect <user>       add user to your connections
  disconnect <user>    remove user from your connections
  users                list connected users
  convs                list conversations
  history              print the current conversation
  reconnect            retry the realtime link
  sync                 push offline conversations and messages to the backend
  quit`

func main() {
	userID := flag.String("user", "", "your user id")
	name := flag.String("name", "", "your display name")
	flag.Parse()
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user <id> [-name <display name>]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kv storage.KV
	if cfg.ValkeyAddr != "" {
		vk, err := valkey.NewKV(cfg.ValkeyAddr, "chat:", log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect valkey")
		}
		defer vk.Close()
		kv = vk
	} else {
		kv = memory.NewKV()
	}

	local := localstore.New(kv, log)
	messages := messagestore.New(local, log)

	relay, err := url.Parse(cfg.RelayURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("bad relay url")
	}
	q := relay.Query()
	q.Set("user_id", *userID)
	relay.RawQuery = q.Encode()

	rt := transport.New(transport.Options{
		URL:         relay.String(),
		UserID:      *userID,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, transport.WebsocketDialer{}, messages, log)
	defer rt.Close()

	var token string
	if cfg.JWTSecret != "" {
		if token, err = middleware.SignToken(cfg.JWTSecret, *userID, 24*time.Hour); err != nil {
			log.Fatal().Err(err).Msg("sign token")
		}
	}
	api := backend.New(cfg.BackendURL, token, nil)

	me := models.Profile{UserID: *userID, DisplayName: *name}
	if me.DisplayName != "" {
		if err := api.UpsertProfile(ctx, me); err != nil {
			log.Warn().Err(err).Msg("publish profile")
		}
	}

	session := chat.New(me, chat.Deps{
		Backend:   api,
		Transport: rt,
		Messages:  messages,
		Local:     local,
	}, chat.Options{TypingIdle: cfg.TypingIdle}, log)
	defer session.Close()

	session.OnChange(func() { renderStatus(os.Stdout, session) })
	session.Start(ctx)

	fmt.Println(help)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !run(ctx, os.Stdout, session, rt, line) {
				return
			}
		}
	}
}

// run executes one command line and reports whether to keep going.
func run(ctx context.Context, w io.Writer, s *chat.Session, rt *transport.Client, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	conv := s.CurrentConversation()

	switch cmd {
	case "":
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(w, help)
	case "chat":
		id, err := s.StartChat(ctx, arg)
		if err != nil {
			fmt.Fprintln(w, "cannot open chat:", err)
			return true
		}
		s.SetCurrentConversation(ctx, id)
		s.MarkAsRead(ctx, id)
		printHistory(w, s)
	case "send":
		if conv == "" {
			fmt.Fprintln(w, "no conversation open")
			return true
		}
		if !s.SendMessage(ctx, conv, arg, models.KindText, nil) {
			fmt.Fprintln(w, "message not sent")
		}
	case "typing":
		if conv != "" {
			s.HandleTyping(conv)
		}
	case "read":
		if conv != "" {
			s.MarkAsRead(ctx, conv)
		}
	case "connect":
		if !s.ConnectUser(ctx, arg) {
			fmt.Fprintln(w, "not added")
		}
	case "disconnect":
		if !s.DisconnectUser(ctx, arg) {
			fmt.Fprintln(w, "not removed")
		}
	case "users":
		for _, u := range s.ConnectedUsers() {
			fmt.Fprintf(w, "  %s (%s)\n", u.DisplayName, u.UserID)
		}
	case "convs":
		s.FetchConversations(ctx)
		for _, c := range s.Conversations() {
			fmt.Fprintf(w, "  %s  %s  %s\n", c.ID, strings.Join(c.Participants, ", "), c.UpdatedAt.Local().Format(time.Kitchen))
		}
	case "history":
		printHistory(w, s)
	case "reconnect":
		rt.Reconnect()
	case "sync":
		s.Sync(ctx)
	default:
		fmt.Fprintf(w, "unknown command %q\n", cmd)
	}
	return true
}

func printHistory(w io.Writer, s *chat.Session) {
	for _, m := range s.Messages() {
		who := m.Sender.DisplayName
		if who == "" {
			who = m.SenderID
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
	}
}

func renderStatus(w io.Writer, s *chat.Session) {
	link := "offline"
	if s.IsConnected() {
		link = "online"
	}
	status := fmt.Sprintf("-- %s", link)
	if conv := s.CurrentConversation(); conv != "" {
		msgs := s.Messages()
		status += fmt.Sprintf(" | %d messages", len(msgs))
		if typing := s.TypingUsers(conv); len(typing) > 0 {
			names := make([]string, 0, len(typing))
			for _, t := range typing {
				names = append(names, t.UserName)
			}
			status += " | typing: " + strings.Join(names, ", ")
		}
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			status += fmt.Sprintf(" | last: %s", last.Content)
		}
	}
	fmt.Fprintln(w, status)
}
