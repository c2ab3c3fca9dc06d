package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/protocol"
)

var (
	chatURL   string
	chatUser  string
	chatCoach string
	chatFlow  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a running coachd over SSE",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := &chatClient{
			baseURL: strings.TrimRight(chatURL, "/"),
			http:    http.DefaultClient,
			out:     cmd.OutOrStdout(),
			status:  cmd.ErrOrStderr(),
			userID:  chatUser,
			coachID: chatCoach,
			flow:    chatFlow,
		}
		return c.repl(ctx, cmd.InOrStdin())
	},
}

// frame is the union of every stream frame field the client looks at.
type frame struct {
	Type             string                   `json:"type"`
	ConversationID   string                   `json:"conversationId"`
	Content          string                   `json:"content"`
	Stage            string                   `json:"stage"`
	Mode             string                   `json:"mode"`
	Flow             string                   `json:"flow"`
	Message          string                   `json:"message"`
	Code             string                   `json:"code"`
	IsComplete       bool                     `json:"isComplete"`
	SessionCancelled bool                     `json:"sessionCancelled"`
	Progress         *protocol.ProgressReport `json:"progress"`
	Actions          []protocol.Action        `json:"actions"`
	Extra            map[string]any           `json:"extra"`
}

type chatClient struct {
	baseURL string
	http    *http.Client
	out     io.Writer
	status  io.Writer

	userID         string
	coachID        string
	flow           string
	conversationID string
}

func (c *chatClient) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.status, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := c.say(ctx, text); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// say sends one message. When a collection is cancelled because the user
// changed the subject, the same message is replayed so it gets a chat answer.
func (c *chatClient) say(ctx context.Context, text string) error {
	done, err := c.turn(ctx, text)
	if err != nil {
		return err
	}
	if done.SessionCancelled && done.Extra["cancelReason"] == collection.CancelTopicChange {
		_, err = c.turn(ctx, text)
	}
	return err
}

func (c *chatClient) turn(ctx context.Context, text string) (frame, error) {
	body, err := json.Marshal(protocol.TurnRequest{
		UserID:         c.userID,
		CoachID:        c.coachID,
		ConversationID: c.conversationID,
		Message:        text,
		Flow:           c.flow,
	})
	if err != nil {
		return frame{}, err
	}
	// A flag flow only applies to the first turn.
	c.flow = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return frame{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return frame{}, fmt.Errorf("post chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return frame{}, fmt.Errorf("chat returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var last frame
	err = readFrames(resp.Body, func(f frame) {
		c.render(f)
		last = f
	})
	fmt.Fprintln(c.out)
	return last, err
}

func (c *chatClient) render(f frame) {
	switch protocol.EventType(f.Type) {
	case protocol.TypeStart:
		if f.ConversationID != "" {
			c.conversationID = f.ConversationID
		}
	case protocol.TypeChunk:
		fmt.Fprint(c.out, f.Content)
	case protocol.TypeContextual:
		fmt.Fprintf(c.status, "  [%s] %s\n", f.Stage, f.Content)
	case protocol.TypeMetadata:
		if f.Flow != "" {
			logger.Debug("turn metadata", zap.String("mode", f.Mode), zap.String("flow", f.Flow))
		}
	case protocol.TypeSuggestion:
		fmt.Fprintf(c.status, "  %s\n", f.Message)
		for _, a := range f.Actions {
			fmt.Fprintf(c.status, "    - %s (%s)\n", a.Label, a.ID)
		}
	case protocol.TypeComplete:
		if f.Progress != nil && f.Mode != "chat" {
			fmt.Fprintf(c.status, "\n  progress %d/%d\n", f.Progress.Required.Completed, f.Progress.Required.Total)
		}
		if f.IsComplete {
			fmt.Fprintf(c.status, "\n  collection complete (generation triggered: %v)\n", f.Extra["triggered"])
		}
	case protocol.TypeError:
		fmt.Fprintf(c.status, "  error %s: %s\n", f.Code, f.Message)
	}
}

// readFrames decodes "data:" lines of an event stream until it ends.
func readFrames(r io.Reader, fn func(frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		fn(f)
	}
	return scanner.Err()
}
