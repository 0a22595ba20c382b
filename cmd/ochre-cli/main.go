// ABOUTME: Terminal chat client for ochre-gateway
// ABOUTME: Connects over the session websocket and renders the frame stream

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/ochre-gateway/internal/client"
	"github.com/2389/ochre-gateway/internal/conversation"
	"github.com/2389/ochre-gateway/internal/ident"
	"github.com/2389/ochre-gateway/internal/store"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8787", "gateway base URL")
	sessionID := flag.String("session", "", "session id (created when empty)")
	apiKey := flag.String("api-key", os.Getenv("OCHRE_API_KEY"), "gateway API key")
	model := flag.String("model", "", "model override for submissions")
	flag.Parse()

	if err := run(*server, *sessionID, *apiKey, *model); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(server, sessionID, apiKey, model string) error {
	if sessionID == "" {
		created, err := createSession(server)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		sessionID = created
		color.HiBlack("session: %s", sessionID)
	}

	wsURL, err := sessionSocketURL(server, sessionID)
	if err != nil {
		return err
	}

	reducer := client.NewReducer(nil)
	sock := client.NewSocket(wsURL, client.Options{APIKey: apiKey, LastSeq: reducer.LastSeq})
	defer sock.Close()
	sock.Start()

	render := make(chan struct{})
	go func() {
		defer close(render)
		renderFrames(sock, reducer)
	}()

	gray := color.New(color.FgHiBlack)
	gray.Println("type a message, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("you> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			fmt.Print("you> ")
			continue
		case line == "/quit" || line == "/exit":
			return nil
		}

		requestID := ident.NewRequestID()
		reducer.AddLocalUserMessage(requestID, line)
		sock.Send(conversation.NewFrame(conversation.FrameChatSend, requestID,
			conversation.ChatSendPayload{Content: line, Model: model}))
	}
	return scanner.Err()
}

// renderFrames prints the live stream: deltas inline, tool and system rows
// on their own lines.
func renderFrames(sock *client.Socket, reducer *client.Reducer) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	var sawSnapshot bool
	for frame := range sock.Frames() {
		reducer.Apply(frame)

		switch frame.Type {
		case conversation.FrameSnapshot:
			if sawSnapshot {
				continue
			}
			sawSnapshot = true
			for _, msg := range reducer.Messages() {
				renderMessage(msg)
			}

		case conversation.FrameChatDelta:
			var p conversation.ChatDeltaPayload
			if frame.DecodePayload(&p) == nil {
				fmt.Print(p.Text)
			}

		case conversation.FrameToolStart:
			var p conversation.ToolStartPayload
			if frame.DecodePayload(&p) == nil {
				fmt.Println()
				cyan.Printf("▶ %s %s\n", p.Tool, p.ArgsPreview)
			}

		case conversation.FrameToolEnd:
			var p conversation.ToolEndPayload
			if frame.DecodePayload(&p) == nil {
				outcome := "ok"
				if !p.OK {
					outcome = "error"
				}
				cyan.Printf("■ %s %s (%dms)\n", p.Tool, outcome, p.DurationMs)
			}

		case conversation.FrameSystemMessage:
			var p conversation.SystemMessagePayload
			if frame.DecodePayload(&p) == nil {
				fmt.Println()
				yellow.Println(p.Content)
			}

		case conversation.FrameChatError:
			var p conversation.ChatErrorPayload
			if frame.DecodePayload(&p) == nil {
				fmt.Println()
				red.Printf("error: %s\n", p.Message)
			}
			fmt.Print("you> ")

		case conversation.FrameChatDone, conversation.FrameChatCancelled:
			fmt.Println()
			fmt.Print("you> ")
		}
	}
}

func renderMessage(msg conversation.MessageView) {
	switch msg.Role {
	case store.RoleUser:
		color.New(color.FgGreen).Printf("you> %s\n", msg.Content)
	case store.RoleAssistant:
		if msg.Content != "" {
			fmt.Println(msg.Content)
		}
	case store.RoleTool:
		color.New(color.FgCyan).Println(msg.Content)
	case store.RoleSystem:
		color.New(color.FgYellow).Println(msg.Content)
	}
}

func createSession(server string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": "cli session"})
	resp, err := http.Post(server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var sess store.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// sessionSocketURL converts the REST base URL into the session ws endpoint.
func sessionSocketURL(server, sessionID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/sessions/" + sessionID
	return u.String(), nil
}
