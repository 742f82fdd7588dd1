package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/durrtagnan/protoo"
)

func main() {
	method := flag.String("method", "echo", "request method to invoke")
	data := flag.String("data", `{"hello":"world"}`, "JSON payload to send")
	notify := flag.Bool("notify", false, "send a notification instead of a request")
	peerID := flag.String("peer", "protoo-client", "peer identity")

	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("missing required argument: ws:// URL of the protoo server")
	}

	c := protoo.NewClient(args[0])
	defer c.Close()

	peer, err := c.DialPeer(*peerID, protoo.Config{})
	if err != nil {
		log.Fatalln(err)
	}
	defer peer.Close()

	peer.OnClose(func(code int, reason string) {
		fmt.Fprintf(os.Stderr, "closed [code:%d, reason:%q]\n", code, reason)
	})

	if *notify {
		if err := peer.Notify(*method, json.RawMessage(*data)); err != nil {
			log.Fatalln(err)
		}
		return
	}

	res, err := peer.Request(*method, json.RawMessage(*data))
	if err != nil {
		log.Fatalln(err)
	}
	fmt.Fprintf(os.Stdout, "%s\n", res)
}
