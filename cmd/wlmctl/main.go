// wlmctl is a small operator client for the wavemeter daemon: it sends
// line-delimited JSON commands to the command port and can tail the
// telemetry stream.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type request struct {
	Action     string  `json:"action"`
	Connection int     `json:"connection,omitempty"`
	Quantity   string  `json:"quantity,omitempty"`
	Value      float64 `json:"value,omitempty"`
	Wait       bool    `json:"wait,omitempty"`
}

type response struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

func main() {
	var (
		addr    string
		pubAddr string
		channel int
		qty     string
		value   float64
		wait    bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:3796", "command server address")
	flag.StringVar(&pubAddr, "pub", "127.0.0.1:3797", "telemetry publisher address (watch)")
	flag.IntVar(&channel, "ch", 1, "channel id")
	flag.StringVar(&qty, "quantity", "setpoint", "quantity id")
	flag.Float64Var(&value, "value", 0, "value to program")
	flag.BoolVar(&wait, "wait", false, "wait for the setpoint to converge")
	flag.Parse()

	switch flag.Arg(0) {
	case "hello":
		send(addr, request{Action: "HELLO"})
	case "check":
		send(addr, request{Action: "CHECK_VALUE", Connection: channel, Quantity: qty})
	case "program":
		send(addr, request{Action: "PROGRAM_VALUE", Connection: channel, Quantity: qty, Value: value, Wait: wait})
	case "watch":
		watch(pubAddr)
	default:
		fmt.Fprintln(os.Stderr, "usage: wlmctl [flags] hello|check|program|watch")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

func send(addr string, req request) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		log.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyDeadline(req)))
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		log.Fatalf("no reply: %v", sc.Err())
	}
	var resp response
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		log.Fatalf("parse reply %q: %v", sc.Text(), err)
	}

	out := resp.Status
	if resp.Value != nil {
		out = fmt.Sprintf("%s %v", out, *resp.Value)
	}
	if resp.Message != "" {
		out = fmt.Sprintf("%s (%s)", out, resp.Message)
	}
	fmt.Println(out)
	if resp.Status != "SUCCESS" {
		os.Exit(1)
	}
}

// replyDeadline budgets enough time for a convergence wait to run its
// course on the server side.
func replyDeadline(req request) time.Duration {
	if req.Wait {
		return 90 * time.Second
	}
	return 10 * time.Second
}

func watch(addr string) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/telemetry"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		fmt.Println(strings.TrimSpace(string(msg)))
	}
}
