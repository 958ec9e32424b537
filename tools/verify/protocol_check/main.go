// protocol_check walks the gateway WebSocket protocol against a running
// daemon and verifies the ordering rules hold on the wire:
//   - the server speaks first (hello)
//   - commands before authentication draw auth_error, never command_result
//   - a bad token draws auth_error; the real one draws auth_ok
//   - subscribe is acknowledged
//   - a malformed frame draws rpc_error without killing the socket
//   - status.get returns exactly one command_result with the request id
//
// Usage:
//
//	go run ./tools/verify/protocol_check -token cgt_...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func readFrame(ctx context.Context, conn *websocket.Conn) map[string]any {
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<< %s\n", mustJSON(frame))
	return frame
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame map[string]any) {
	fmt.Printf(">> %s\n", mustJSON(frame))
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}
}

func expectType(frame map[string]any, want string) {
	if frame["type"] != want {
		fmt.Fprintf(os.Stderr, "expected %s frame, got %v\n", want, frame["type"])
		os.Exit(1)
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:18789", "daemon address")
	token := flag.String("token", "", "device access token (cgt_...)")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required (pair a device first: clawgate pair)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+*addr+"/ws", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// 1. Server speaks first.
	expectType(readFrame(ctx, conn), "hello")
	fmt.Println("HELLO_CHECK server spoke first")

	// 2. Command before authentication: auth_error, and the later auth_ok
	// arriving as the very next reply proves no command_result sneaked out.
	writeFrame(ctx, conn, map[string]any{"type": "command", "id": "pre-auth-1", "name": "status.get"})
	expectType(readFrame(ctx, conn), "auth_error")
	fmt.Println("GATE_CHECK pre-auth command rejected")

	// 3. Wrong token is rejected without closing the socket.
	writeFrame(ctx, conn, map[string]any{"type": "authenticate", "token": "cgt_0000000000000000000000000000dead"})
	expectType(readFrame(ctx, conn), "auth_error")
	fmt.Println("TOKEN_CHECK bad token rejected")

	// 4. The real token authorizes.
	writeFrame(ctx, conn, map[string]any{"type": "authenticate", "token": strings.TrimSpace(*token)})
	expectType(readFrame(ctx, conn), "auth_ok")
	fmt.Println("AUTH_CHECK device token accepted")

	// 5. Subscribe for broadcasts.
	writeFrame(ctx, conn, map[string]any{"type": "subscribe"})
	sub := readFrame(ctx, conn)
	expectType(sub, "subscribed")
	if sub["ok"] != true {
		fmt.Fprintln(os.Stderr, "subscribed ack not ok")
		os.Exit(1)
	}
	fmt.Println("SUBSCRIBE_CHECK acknowledged")

	// 6. Malformed JSON draws rpc_error and the socket survives.
	fmt.Println(">> {not json")
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		fmt.Fprintf(os.Stderr, "write malformed frame: %v\n", err)
		os.Exit(1)
	}
	expectType(readFrame(ctx, conn), "rpc_error")
	fmt.Println("MALFORMED_CHECK reported without closing")

	// 7. A real command still works on the same socket.
	writeFrame(ctx, conn, map[string]any{"type": "command", "id": "status-1", "name": "status.get"})
	for {
		frame := readFrame(ctx, conn)
		if frame["type"] == "event" {
			// Broadcasts may interleave once subscribed.
			continue
		}
		expectType(frame, "command_result")
		if frame["id"] != "status-1" {
			fmt.Fprintf(os.Stderr, "command_result id %v, want status-1\n", frame["id"])
			os.Exit(1)
		}
		if frame["ok"] != true {
			fmt.Fprintf(os.Stderr, "status.get failed: %v\n", frame["error"])
			os.Exit(1)
		}
		break
	}
	fmt.Println("COMMAND_CHECK status.get answered once with matching id")

	fmt.Println("VERDICT PASS")
}
