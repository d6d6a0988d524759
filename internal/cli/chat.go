package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Robertgreenwood27/messagingapp/internal/logging"
	"github.com/Robertgreenwood27/messagingapp/internal/messages"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/presence"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
)

const chatHelp = `Type a message and press enter to send it.
  /retry <id>     resend a failed message
  /discard <id>   drop a failed message
  /delete <id>    delete one of your messages
  /help           show this help
  /quit           leave the conversation`

// NewChatCmd creates the chat command.
func NewChatCmd(load EnvLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open a conversation and follow it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, load, func(ctx context.Context, env *Env) error {
				return runChat(ctx, env, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func runChat(ctx context.Context, env *Env, conversationID string, in io.Reader, out io.Writer) error {
	user, err := env.user(ctx)
	if err != nil {
		return err
	}
	conv, err := services.NewConversationService(env.Backend).Get(ctx, user.ID, conversationID)
	if err != nil {
		return err
	}
	otherID := conv.OtherParticipant(user.ID)
	otherName := displayName(conv.OtherProfile(user.ID), otherID)

	sub, err := env.Realtime(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime: %w", err)
	}

	sess, err := messages.NewSession(ctx, env.Backend, sub,
		messages.WithLogger(logging.Component(env.Log, "messages")),
		messages.WithClock(env.Now))
	if err != nil {
		return err
	}
	defer sess.Close()

	engine, err := sess.Open(ctx, conversationID)
	if err != nil {
		return err
	}

	chatLog := logging.Component(env.Log, "chat")
	popts := []presence.Option{
		presence.WithLogger(logging.Component(env.Log, "presence")),
		presence.WithClock(env.Now),
	}
	hb := presence.NewHeartbeat(env.Backend, user.ID, popts...)
	if err := hb.Start(ctx); err != nil {
		env.Log.Warn().Err(err).Msg("presence heartbeat unavailable")
	}
	defer hb.Stop(context.WithoutCancel(ctx))

	notifier := presence.NewTypingNotifier(env.Backend, user.ID, conversationID, popts...)
	defer notifier.Close(context.WithoutCancel(ctx))

	tracker := presence.NewTypingTracker(env.Backend, sub, conversationID, otherID, popts...)
	if err := tracker.Start(ctx); err != nil {
		env.Log.Warn().Err(err).Msg("typing status unavailable")
	}
	defer tracker.Close()

	r := &renderer{
		out:       out,
		userID:    user.ID,
		otherName: otherName,
		now:       env.Now,
		shown:     make(map[string]models.MessageStatus),
		read:      make(map[string]bool),
		receipts:  services.NewReceiptService(env.Backend),
	}
	fmt.Fprintf(out, "Chatting with %s. /help for commands.\n", otherName)
	r.render(ctx, engine.Messages())

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	typing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, engine, notifier, line, out, chatLog); quit {
				return nil
			}
			r.render(ctx, engine.Messages())
		case _, ok := <-engine.Updates():
			if !ok {
				return nil
			}
			r.render(ctx, engine.Messages())
		case <-tracker.Updates():
			if now := tracker.IsTyping(); now != typing {
				typing = now
				if typing {
					fmt.Fprintf(out, "%s is typing...\n", otherName)
				}
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user asked to quit.
func handleLine(ctx context.Context, engine *messages.Engine, notifier *presence.TypingNotifier, line string, out io.Writer, log zerolog.Logger) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/retry":
		_, err = engine.RetryMessage(ctx, arg)
	case "/discard":
		engine.DeleteFailedMessage(arg)
	case "/delete":
		err = engine.DeleteMessage(ctx, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			err = fmt.Errorf("unknown command %s", cmd)
			break
		}
		if terr := notifier.Keystroke(ctx); terr != nil {
			log.Debug().Err(terr).Msg("typing status not published")
		}
		_, err = engine.Send(ctx, "", line)
		if terr := notifier.Sent(ctx); terr != nil {
			log.Debug().Err(terr).Msg("typing status not cleared")
		}
	}
	if err != nil && !errors.Is(err, messages.ErrClosed) {
		fmt.Fprintf(out, "! %s\n", err)
	}
	return false
}

// renderer prints each message once, and again when its status changes.
type renderer struct {
	out       io.Writer
	userID    string
	otherName string
	now       func() time.Time
	receipts  *services.ReceiptService

	shown map[string]models.MessageStatus
	read  map[string]bool
}

func (r *renderer) render(ctx context.Context, msgs []models.Message) {
	present := make(map[string]bool, len(msgs))
	var unread []models.Message
	for _, m := range msgs {
		present[m.ID] = true
		if m.Status == models.StatusSending {
			continue
		}
		if prev, ok := r.shown[m.ID]; !ok || prev != m.Status {
			r.shown[m.ID] = m.Status
			fmt.Fprintln(r.out, r.line(m))
		}
		if !m.Pending() && m.SenderID != r.userID && !r.read[m.ID] {
			unread = append(unread, m)
		}
	}

	for id, status := range r.shown {
		if present[id] {
			continue
		}
		delete(r.shown, id)
		if status == models.StatusConfirmed {
			fmt.Fprintf(r.out, "  (message %s was deleted)\n", id)
		}
	}

	if len(unread) == 0 {
		return
	}
	if _, err := r.receipts.MarkRead(ctx, r.userID, unread); err != nil {
		fmt.Fprintf(r.out, "! %s\n", err)
		return
	}
	for _, m := range unread {
		r.read[m.ID] = true
	}
}

func (r *renderer) line(m models.Message) string {
	who := r.otherName
	if m.SenderID == r.userID {
		who = "you"
	} else if m.Sender != nil && m.Sender.Username != "" {
		who = m.Sender.Username
	}
	when := humanize.RelTime(m.CreatedAt, r.now(), "ago", "from now")

	switch m.Status {
	case models.StatusFailed:
		return fmt.Sprintf("[%s] %s: %s  (failed: /retry %s)", when, who, m.Content, m.TempID)
	case models.StatusSending:
		return fmt.Sprintf("[%s] %s: %s  (sending)", when, who, m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s  #%s", when, who, m.Content, m.ID)
}
