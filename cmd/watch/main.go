// Command watch subscribes to the engine event stream and prints one line per event.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"realtime.ai/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://127.0.0.1:8080/admin/v1/events/ws", "event stream url")
		kinds = flag.String("kinds", "", "comma-separated event kinds (empty = all)")
		raw   = flag.Bool("raw", false, "print messages as received")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg(*kinds)); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Printf("read: %v", err)
			}
			return
		}
		if *raw {
			fmt.Println(string(msg))
			continue
		}
		if err := printMessage(os.Stdout, msg); err != nil {
			logger.Printf("decode: %v", err)
		}
	}
}

func subscribeMsg(kinds string) protocol.SubscribeMsg {
	m := protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version}
	for _, k := range strings.Split(kinds, ",") {
		if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
			m.Kinds = append(m.Kinds, k)
		}
	}
	return m
}

func printMessage(w io.Writer, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeSubscribed:
		var s protocol.SubscribedMsg
		if err := json.Unmarshal(msg, &s); err != nil {
			return err
		}
		fmt.Fprintf(w, "SUBSCRIBED session=%s kinds=%s\n", s.SessionID, strings.Join(s.Kinds, ","))
	case protocol.TypeEvent:
		var ev struct {
			protocol.Event
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s #%d %s %s\n", ev.At.Format("15:04:05.000"), ev.Seq, ev.Kind, ev.Payload)
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return err
		}
		fmt.Fprintf(w, "ERROR %s: %s\n", e.Code, e.Message)
	default:
		fmt.Fprintf(w, "%s\n", msg)
	}
	return nil
}
