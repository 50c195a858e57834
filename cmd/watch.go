package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the running daemon",
		Long: "Connects to the daemon's WebSocket and prints agent and campaign events\n" +
			"as they happen. Useful while rolling out config changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw event frames")
	return cmd
}

func runWatch(jsonOut bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Gateway.Token == "" {
		return fmt.Errorf("gateway token not set (export BARKER_GATEWAY_TOKEN)")
	}

	wsURL := fmt.Sprintf("ws://%s/ws", cfg.Gateway.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s (is the daemon running?): %w", wsURL, err)
	}
	defer conn.Close()

	if err := wsConnect(conn, cfg.Gateway.Token); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to quit)\n", wsURL)

	// Ctrl-C closes the socket, which unblocks ReadMessage.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		frameType, _ := protocol.ParseFrameType(raw)
		if frameType != protocol.FrameTypeEvent {
			continue
		}
		if jsonOut {
			fmt.Println(string(raw))
			continue
		}
		var evt protocol.EventFrame
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}
		printEvent(evt)
	}
}

// wsConnect sends the connect RPC and waits for the auth response.
func wsConnect(conn *websocket.Conn, token string) error {
	params, _ := json.Marshal(map[string]string{"token": token})

	reqFrame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: params,
	}
	if err := conn.WriteJSON(reqFrame); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}

// printEvent renders one event as a timestamped line.
func printEvent(evt protocol.EventFrame) {
	ts := time.Now().Format("15:04:05")

	if evt.Event == protocol.EventShutdown {
		fmt.Printf("%s  daemon shutting down\n", ts)
		return
	}

	payload, ok := evt.Payload.(map[string]interface{})
	if !ok {
		fmt.Printf("%s  %s\n", ts, evt.Event)
		return
	}
	evtType, _ := payload["type"].(string)
	data, _ := payload["data"].(map[string]interface{})

	switch evt.Event {
	case protocol.EventAgent:
		agentID, _ := data["agentId"].(string)
		detail := ""
		if state, ok := data["state"].(string); ok {
			detail = " -> " + state
		} else if reason, ok := data["reason"].(string); ok {
			detail = ": " + reason
		}
		fmt.Printf("%s  agent     %-24s %s%s\n", ts, evtType, agentID, detail)

	case protocol.EventCampaign:
		agentID, _ := data["agentId"].(string)
		id := ""
		// Opened events carry the whole campaign, the rest carry a
		// campaignId reference.
		if n, ok := data["campaignId"].(float64); ok {
			id = fmt.Sprintf("#%d", int64(n))
		} else if n, ok := data["id"].(float64); ok {
			id = fmt.Sprintf("#%d", int64(n))
		}
		fmt.Printf("%s  campaign  %-24s %s %s\n", ts, evtType, agentID, id)

	default:
		fmt.Printf("%s  %s %s\n", ts, evt.Event, evtType)
	}
}
